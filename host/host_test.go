package host

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/types"
)

// stubEngine is the backend under the host adapters: it records every
// dispatched request and answers with a canned response.
type stubEngine struct {
	mu   sync.Mutex
	reqs []*types.ExecutionRequest

	resp   *types.BackendResponse
	err    error
	health *runtime.HealthStatus
}

func (s *stubEngine) Start(context.Context) error { return nil }

func (s *stubEngine) Execute(_ context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &types.BackendResponse{
		OK:              true,
		Data:            map[string]any{"ok": true},
		ExecutionTimeMs: 1,
		Metadata:        types.ResponseMetadata{Backend: "stub"},
	}, nil
}

func (s *stubEngine) Health(context.Context) runtime.HealthStatus {
	if s.health != nil {
		return *s.health
	}
	return runtime.HealthStatus{Healthy: true}
}
func (s *stubEngine) Stats() runtime.Stats { return runtime.Stats{Backend: "stub"} }

func (s *stubEngine) Shutdown(context.Context) error { return nil }

func (s *stubEngine) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *stubEngine) request(t *testing.T, i int) *types.ExecutionRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.reqs) {
		t.Fatalf("engine saw %d requests, want at least %d", len(s.reqs), i+1)
	}
	return s.reqs[i]
}

// hostRegistry registers the demo plugin the host tests run against.
func hostRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	manifest := types.Manifest{
		ID:      "demo",
		Version: "1.2.0",
		Handlers: []types.HandlerDecl{
			{ID: "greet", File: "handlers/greet.js", Command: "hello"},
			{ID: "report", File: "handlers/report.js", Route: "GET /report"},
		},
		Permissions: types.PermissionSpec{
			Jobs: types.JobsPermissions{
				Submit:   &types.JobGrant{},
				Schedule: &types.JobGrant{},
			},
		},
	}
	if err := reg.Register(manifest, t.TempDir(), nil); err != nil {
		t.Fatalf("register demo: %v", err)
	}
	return reg
}

func reasonKind(t *testing.T, err error, want fault.Kind) {
	t.Helper()
	if !fault.IsKind(err, want) {
		t.Fatalf("err = %v (kind %v), want %v", err, fault.KindOf(err), want)
	}
}

func TestBuildRequest_ResolvesRegistry(t *testing.T) {
	reg := hostRegistry(t)

	req, err := BuildRequest(reg, RequestSpec{
		Host:     types.HostCLI,
		PluginID: "demo",
		Handler:  "greet",
		Input:    json.RawMessage(`{"name":"kiln"}`),
		TenantID: "t1",
	})
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	if req.Descriptor.PluginID != "demo" || req.Descriptor.PluginVersion != "1.2.0" {
		t.Errorf("identity = %s@%s, want demo@1.2.0", req.Descriptor.PluginID, req.Descriptor.PluginVersion)
	}
	if req.Descriptor.RequestID == "" || req.ExecutionID == "" {
		t.Error("request and execution ids must be generated")
	}
	if req.Descriptor.RequestID == req.ExecutionID {
		t.Error("requestId must differ from executionId")
	}
	if req.Descriptor.TenantID != "t1" {
		t.Errorf("tenantId = %q, want t1", req.Descriptor.TenantID)
	}
	if req.PluginRoot == "" {
		t.Error("pluginRoot must come from the registry")
	}
	if got := req.HandlerRef.Key(); got != "handlers/greet.js#greet" {
		t.Errorf("handler ref = %q, want handlers/greet.js#greet", got)
	}
	if req.Workspace.Kind != types.WorkspaceLocal {
		t.Errorf("workspace kind = %q, want local", req.Workspace.Kind)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("built request does not validate: %v", err)
	}
}

func TestBuildRequest_DefaultsFirstHandler(t *testing.T) {
	reg := hostRegistry(t)

	req, err := BuildRequest(reg, RequestSpec{Host: types.HostCLI, PluginID: "demo"})
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if got := req.HandlerRef.Key(); got != "handlers/greet.js#greet" {
		t.Errorf("handler ref = %q, want the first declared handler", got)
	}
}

func TestBuildRequest_UnknownTargets(t *testing.T) {
	reg := hostRegistry(t)

	_, err := BuildRequest(reg, RequestSpec{Host: types.HostCLI, PluginID: "ghost"})
	reasonKind(t, err, fault.KindHandlerNotFound)

	_, err = BuildRequest(reg, RequestSpec{Host: types.HostCLI, PluginID: "demo", Handler: "reticulate"})
	reasonKind(t, err, fault.KindHandlerNotFound)
}

func TestBuildRequest_RequiresRegistryAndPlugin(t *testing.T) {
	_, err := BuildRequest(nil, RequestSpec{PluginID: "demo"})
	reasonKind(t, err, fault.KindValidation)

	_, err = BuildRequest(hostRegistry(t), RequestSpec{})
	reasonKind(t, err, fault.KindValidation)
}

func TestWorkflowRequest_SetsHostContext(t *testing.T) {
	reg := hostRegistry(t)

	req, err := WorkflowRequest(reg, RequestSpec{PluginID: "demo", Handler: "greet"},
		types.WorkflowHostContext{WorkflowID: "wf-1", RunID: "run-1", StepID: "greet", Attempt: 2})
	if err != nil {
		t.Fatalf("WorkflowRequest failed: %v", err)
	}
	if req.Descriptor.Host != types.HostWorkflow {
		t.Errorf("host = %q, want workflow", req.Descriptor.Host)
	}
	hc := req.Descriptor.HostContext
	if hc["workflowId"] != "wf-1" || hc["runId"] != "run-1" || hc["stepId"] != "greet" {
		t.Errorf("hostContext = %v, want workflow identity", hc)
	}
	if hc["attempt"] != 2 {
		t.Errorf("attempt = %v, want 2", hc["attempt"])
	}
}

func TestWebhookRequest_SetsHostContext(t *testing.T) {
	reg := hostRegistry(t)

	req, err := WebhookRequest(reg, RequestSpec{PluginID: "demo"},
		types.WebhookHostContext{Event: "push", Source: "forge"})
	if err != nil {
		t.Fatalf("WebhookRequest failed: %v", err)
	}
	if req.Descriptor.Host != types.HostWebhook {
		t.Errorf("host = %q, want webhook", req.Descriptor.Host)
	}
	if hc := req.Descriptor.HostContext; hc["event"] != "push" || hc["source"] != "forge" {
		t.Errorf("hostContext = %v, want event identity", hc)
	}
}

func TestCronRequest_SetsHostContext(t *testing.T) {
	reg := hostRegistry(t)

	req, err := CronRequest(reg, RequestSpec{PluginID: "demo"},
		types.CronHostContext{CronID: "sch-1", Schedule: "@every 5m"})
	if err != nil {
		t.Fatalf("CronRequest failed: %v", err)
	}
	if req.Descriptor.Host != types.HostCron {
		t.Errorf("host = %q, want cron", req.Descriptor.Host)
	}
	hc := req.Descriptor.HostContext
	if hc["cronId"] != "sch-1" || hc["schedule"] != "@every 5m" {
		t.Errorf("hostContext = %v, want schedule identity", hc)
	}
	if at, ok := hc["scheduledAt"].(string); !ok || !strings.Contains(at, "T") {
		t.Errorf("scheduledAt = %v, want RFC3339 timestamp", hc["scheduledAt"])
	}
}
