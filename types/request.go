// Package types defines core domain types for the kilnbox platform.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// HostKind identifies the host application that originated a request.
type HostKind string

const (
	// HostCLI is the command-line host.
	HostCLI HostKind = "cli"
	// HostRest is the HTTP host.
	HostRest HostKind = "rest"
	// HostWorkflow is the workflow-engine host.
	HostWorkflow HostKind = "workflow"
	// HostWebhook is the webhook-receiver host.
	HostWebhook HostKind = "webhook"
	// HostCron is the scheduled-job host.
	HostCron HostKind = "cron"
	// HostWorker marks executions dispatched inside a worker process.
	HostWorker HostKind = "worker"
)

// HandlerRef locates a handler within a plugin root.
// Constructed from a manifest, passed by value, never mutated.
type HandlerRef struct {
	// File is the handler file path relative to the plugin root.
	File string `json:"file" yaml:"file"`
	// Export names the callable entry within the file.
	Export string `json:"export" yaml:"export"`
}

// Key returns the registry lookup key "file#export".
func (r HandlerRef) Key() string {
	return r.File + "#" + r.Export
}

// Validate checks the reference is relative and non-empty.
func (r HandlerRef) Validate() error {
	if r.File == "" {
		return errors.New("handler file must be non-empty")
	}
	if filepath.IsAbs(r.File) {
		return fmt.Errorf("handler file must be relative to the plugin root, got %q", r.File)
	}
	if r.Export == "" {
		return errors.New("handler export must be non-empty")
	}
	return nil
}

// Descriptor is the part of a request passed unchanged to the runner.
// It becomes the handler-facing execution metadata.
type Descriptor struct {
	// Host identifies the originating host application.
	Host HostKind `json:"host"`
	// PluginID identifies the plugin being executed.
	PluginID string `json:"pluginId"`
	// PluginVersion is the manifest version of the plugin.
	PluginVersion string `json:"pluginVersion"`
	// RequestID is the end-to-end correlation identifier.
	// Propagated to child invocations, unlike the execution id.
	RequestID string `json:"requestId"`
	// TenantID scopes per-tenant concurrency and quotas. Optional.
	TenantID string `json:"tenantId,omitempty"`
	// Permissions is the normalized permission specification.
	Permissions PermissionSpec `json:"permissions"`
	// HostContext carries host-specific request context (see hosts.go).
	HostContext map[string]any `json:"hostContext,omitempty"`
	// Config is the plugin's configuration section. Optional.
	Config map[string]any `json:"config,omitempty"`
	// ParentRequestID links chained invocations. Empty at chain roots.
	ParentRequestID string `json:"parentRequestId,omitempty"`
}

// WorkspaceKind selects the workspace materialization strategy.
type WorkspaceKind string

const (
	// WorkspaceLocal reuses a deterministic directory per execution id.
	WorkspaceLocal WorkspaceKind = "local"
	// WorkspaceEphemeral materializes a filtered throwaway copy.
	WorkspaceEphemeral WorkspaceKind = "ephemeral"
)

// WorkspaceFilter selects files for ephemeral materialization.
type WorkspaceFilter struct {
	// Include lists glob patterns to copy. Empty means everything.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	// Exclude lists glob patterns to skip. Applied after Include.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// WorkspaceConfig describes the workspace an execution runs in.
type WorkspaceConfig struct {
	// Kind selects local or ephemeral materialization.
	Kind WorkspaceKind `json:"kind"`
	// Cwd overrides the working directory for local workspaces.
	Cwd string `json:"cwd,omitempty"`
	// Repo/Ref/Commit describe a source checkout. Reserved: checkout is
	// not supported and is rejected with WORKSPACE_ERROR.
	Repo   string `json:"repo,omitempty"`
	Ref    string `json:"ref,omitempty"`
	Commit string `json:"commit,omitempty"`
	// Filter restricts ephemeral copies.
	Filter WorkspaceFilter `json:"filter,omitempty"`
	// SnapshotID names a previously materialized snapshot to reuse.
	SnapshotID string `json:"snapshotId,omitempty"`
}

// ArtifactsConfig describes artifact collection for an execution.
type ArtifactsConfig struct {
	// OutDir is where the handler writes artifacts. Relative paths are
	// resolved under the workspace cwd.
	OutDir string `json:"outdir,omitempty"`
	// Upload pushes collected artifacts to the configured artifact store.
	Upload bool `json:"upload,omitempty"`
	// Patterns filters which files under OutDir count as artifacts.
	// Empty means every file.
	Patterns []string `json:"patterns,omitempty"`
}

// ExecutionRequest is one execution attempt. Created by a host adapter,
// consumed by a backend, never mutated after submission.
type ExecutionRequest struct {
	// ExecutionID is unique per attempt. Not propagated outside the core;
	// correlation across retries and children uses Descriptor.RequestID.
	ExecutionID string `json:"executionId"`
	// Descriptor carries identity, permissions, and host context.
	Descriptor Descriptor `json:"descriptor"`
	// PluginRoot is the absolute path of the plugin's root directory.
	PluginRoot string `json:"pluginRoot"`
	// HandlerRef locates the handler within PluginRoot.
	HandlerRef HandlerRef `json:"handlerRef"`
	// ExportName overrides HandlerRef.Export when non-empty.
	ExportName string `json:"exportName,omitempty"`
	// Input is the handler input, opaque to the core.
	Input json.RawMessage `json:"input,omitempty"`
	// Workspace configures the execution workspace.
	Workspace WorkspaceConfig `json:"workspace"`
	// Artifacts configures artifact collection.
	Artifacts ArtifactsConfig `json:"artifacts"`
	// TimeoutMs bounds handler execution. Zero means host default.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Handler returns the effective handler reference, applying ExportName.
func (r *ExecutionRequest) Handler() HandlerRef {
	ref := r.HandlerRef
	if r.ExportName != "" {
		ref.Export = r.ExportName
	}
	return ref
}

// Validate checks request shape before dispatch.
func (r *ExecutionRequest) Validate() error {
	if r.ExecutionID == "" {
		return errors.New("executionId must be non-empty")
	}
	if r.Descriptor.PluginID == "" {
		return errors.New("descriptor.pluginId must be non-empty")
	}
	if r.Descriptor.RequestID == "" {
		return errors.New("descriptor.requestId must be non-empty")
	}
	if r.PluginRoot == "" || !filepath.IsAbs(r.PluginRoot) {
		return fmt.Errorf("pluginRoot must be absolute, got %q", r.PluginRoot)
	}
	if err := r.Handler().Validate(); err != nil {
		return err
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must be >= 0, got %d", r.TimeoutMs)
	}
	return nil
}
