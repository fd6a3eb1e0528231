// Package host adapts external request surfaces onto the execution
// pipeline. Each adapter translates its native request shape into an
// ExecutionRequest, hands it to a Backend (normally the orchestrator),
// and translates the response envelope back out: the CLI host derives
// a process exit code, the REST host an HTTP status and headers.
//
// Workflow and cron dispatch run through the jobs broker, which builds
// its own descriptors; this package supplies the request builders for
// the remaining surfaces and for callers embedding the platform.
package host

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

// RequestSpec names one handler execution from a host's point of view.
// The builder resolves the plugin root, version, permissions, and the
// handler reference from the registry.
type RequestSpec struct {
	// Host identifies the originating surface.
	Host types.HostKind
	// PluginID is the target plugin. Required.
	PluginID string
	// Handler is the manifest handler id. Empty selects the plugin's
	// first declared handler.
	Handler string
	// Input is the opaque handler input.
	Input json.RawMessage
	// RequestID overrides the generated correlation id.
	RequestID string
	// TenantID scopes tenant quotas. Optional.
	TenantID string
	// HostContext is the host-specific context map (see types/hosts.go).
	HostContext map[string]any
	// Config is the plugin's configuration section from host config.
	Config map[string]any
	// TimeoutMs bounds the execution. Zero means host default.
	TimeoutMs int64
	// Artifacts configures artifact collection for this execution.
	Artifacts types.ArtifactsConfig
}

// BuildRequest resolves spec against the registry and assembles the
// execution request. Unknown plugins and handlers return
// HANDLER_NOT_FOUND faults.
func BuildRequest(reg *plugin.Registry, spec RequestSpec) (*types.ExecutionRequest, error) {
	if reg == nil {
		return nil, fault.New(fault.KindValidation, "request building requires a registry")
	}
	if spec.PluginID == "" {
		return nil, fault.New(fault.KindValidation, "pluginId must be non-empty")
	}

	manifest, ok := reg.Manifest(spec.PluginID)
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", spec.PluginID)
	}
	decl, err := reg.Resolve(spec.PluginID, spec.Handler)
	if err != nil {
		return nil, err
	}

	requestID := spec.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return &types.ExecutionRequest{
		ExecutionID: uuid.NewString(),
		Descriptor: types.Descriptor{
			Host:          spec.Host,
			PluginID:      manifest.ID,
			PluginVersion: manifest.Version,
			RequestID:     requestID,
			TenantID:      spec.TenantID,
			Permissions:   manifest.Permissions.Normalize(),
			HostContext:   spec.HostContext,
			Config:        spec.Config,
		},
		PluginRoot: reg.Root(spec.PluginID),
		HandlerRef: decl.Ref(),
		Input:      spec.Input,
		Workspace:  types.WorkspaceConfig{Kind: types.WorkspaceLocal},
		Artifacts:  spec.Artifacts,
		TimeoutMs:  spec.TimeoutMs,
	}, nil
}

// WorkflowRequest builds a workflow-step execution request.
func WorkflowRequest(reg *plugin.Registry, spec RequestSpec, wf types.WorkflowHostContext) (*types.ExecutionRequest, error) {
	spec.Host = types.HostWorkflow
	spec.HostContext = wf.AsMap()
	return BuildRequest(reg, spec)
}

// WebhookRequest builds a webhook-delivery execution request.
func WebhookRequest(reg *plugin.Registry, spec RequestSpec, wh types.WebhookHostContext) (*types.ExecutionRequest, error) {
	spec.Host = types.HostWebhook
	spec.HostContext = wh.AsMap()
	return BuildRequest(reg, spec)
}

// CronRequest builds a scheduled execution request.
func CronRequest(reg *plugin.Registry, spec RequestSpec, cr types.CronHostContext) (*types.ExecutionRequest, error) {
	spec.Host = types.HostCron
	spec.HostContext = cr.AsMap()
	return BuildRequest(reg, spec)
}
