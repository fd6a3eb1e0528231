package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// orchFixture bundles the pipeline under test with its observable
// surfaces.
type orchFixture struct {
	orch    *Orchestrator
	backend *stubBackend
	sink    *platform.StubSink
	emitter *platform.Emitter
	ws      *workspace.Manager
}

func newOrchFixture(t *testing.T, mutate func(*OrchestratorOptions)) *orchFixture {
	t.Helper()

	reg := plugin.NewRegistry()
	registerPlugin(t, reg, testManifest("demo"), nil)

	sink := platform.NewStubSink()
	emitter := platform.NewEmitter(sink, platform.EmitterConfig{Source: "test"})
	backend := &stubBackend{}
	ws := testWorkspaces(t)

	opts := OrchestratorOptions{
		Backend:    backend,
		Registry:   reg,
		Workspaces: ws,
		Platform:   platform.New(platform.Options{Analytics: emitter}),
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return &orchFixture{orch: orch, backend: backend, sink: sink, emitter: emitter, ws: ws}
}

func (f *orchFixture) events(t *testing.T) []string {
	t.Helper()
	if err := f.emitter.Flush(t.Context()); err != nil {
		t.Fatalf("flush analytics: %v", err)
	}
	return f.sink.Events()
}

func demoRequest() *types.ExecutionRequest {
	return &types.ExecutionRequest{
		ExecutionID: "exec-1",
		Descriptor: types.Descriptor{
			Host:      types.HostCLI,
			PluginID:  "demo",
			RequestID: "req-1",
		},
		PluginRoot: "/plugins/demo",
		HandlerRef: types.HandlerRef{File: "handlers/greet.js", Export: "greet"},
	}
}

func hasEvent(events []string, name string) bool {
	for _, e := range events {
		if e == name {
			return true
		}
	}
	return false
}

func TestNewOrchestrator_RequiresBackend(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorOptions{}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("NewOrchestrator = %v, want VALIDATION_ERROR", err)
	}
}

func TestOrchestrator_SuccessEmitsLifecycleEvents(t *testing.T) {
	f := newOrchFixture(t, nil)

	resp, err := f.orch.Execute(t.Context(), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.OK {
		t.Fatalf("execution failed: %+v", resp.Error)
	}

	events := f.events(t)
	if !hasEvent(events, "execution.started") || !hasEvent(events, "execution.finished") {
		t.Errorf("events = %v, want started and finished", events)
	}
	if hasEvent(events, "execution.failed") {
		t.Errorf("events = %v, unexpected failure event", events)
	}
}

func TestOrchestrator_CapabilityMissing(t *testing.T) {
	f := newOrchFixture(t, func(opts *OrchestratorOptions) {
		reg := plugin.NewRegistry()
		m := testManifest("demo")
		m.Capabilities = []string{"llm", "vectors"}
		if err := reg.Register(m, t.TempDir(), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		opts.Registry = reg
		opts.Capabilities = []string{"llm"}
	})

	resp, err := f.orch.Execute(t.Context(), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK || resp.Error.Code != fault.KindPermissionDenied {
		t.Fatalf("response = %+v, want PERMISSION_DENIED", resp)
	}
	if resp.Error.Context["reason"] != "CAPABILITY_MISSING" {
		t.Errorf("reason = %v, want CAPABILITY_MISSING", resp.Error.Context["reason"])
	}
	details, ok := resp.Error.Details.(map[string]any)
	if !ok {
		t.Fatalf("details = %#v, want missing capability list", resp.Error.Details)
	}
	missing, _ := details["missing"].([]string)
	if len(missing) != 1 || missing[0] != "vectors" {
		t.Errorf("missing = %v, want [vectors]", details["missing"])
	}
	if f.backend.calls() != 0 {
		t.Errorf("backend saw %d requests, want 0", f.backend.calls())
	}

	events := f.events(t)
	if !hasEvent(events, "capability.missing") {
		t.Errorf("events = %v, want capability.missing", events)
	}
}

func TestOrchestrator_InputSchemaRejection(t *testing.T) {
	f := newOrchFixture(t, func(opts *OrchestratorOptions) {
		reg := plugin.NewRegistry()
		m := testManifest("demo", types.HandlerDecl{
			ID:          "greet",
			File:        "handlers/greet.js",
			InputSchema: map[string]any{"type": "object"},
		})
		if err := reg.Register(m, t.TempDir(), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		opts.Registry = reg
	})

	req := demoRequest()
	req.Input = json.RawMessage(`"not an object"`)
	resp, err := f.orch.Execute(t.Context(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK || resp.Error.Code != fault.KindValidation {
		t.Fatalf("response = %+v, want VALIDATION_ERROR", resp)
	}
	details, _ := resp.Error.Details.(map[string]any)
	issues, _ := details["issues"].([]string)
	if len(issues) == 0 {
		t.Errorf("details = %#v, want schema issues", resp.Error.Details)
	}
	if f.backend.calls() != 0 {
		t.Errorf("backend saw %d requests, want 0 for invalid input", f.backend.calls())
	}
	if !hasEvent(f.events(t), "execution.failed") {
		t.Error("no execution.failed event for a rejected input")
	}
}

func TestOrchestrator_OutputSchemaFlipsResponse(t *testing.T) {
	withOutputSchema := func(opts *OrchestratorOptions) {
		reg := plugin.NewRegistry()
		m := testManifest("demo", types.HandlerDecl{
			ID:   "greet",
			File: "handlers/greet.js",
			OutputSchema: map[string]any{
				"type":     "object",
				"required": []any{"greeting"},
			},
		})
		if err := reg.Register(m, t.TempDir(), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		opts.Registry = reg
	}

	f := newOrchFixture(t, withOutputSchema)
	f.backend.resp = &types.BackendResponse{
		OK:   true,
		Data: map[string]any{"wrong": true},
	}
	resp, err := f.orch.Execute(t.Context(), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK || resp.Error.Code != fault.KindValidation {
		t.Fatalf("response = %+v, want output VALIDATION_ERROR", resp)
	}
	if resp.Data != nil {
		t.Errorf("data = %#v, want nil after output rejection", resp.Data)
	}

	// An exit-code outcome wrapper is unwrapped before validation.
	f2 := newOrchFixture(t, withOutputSchema)
	f2.backend.resp = &types.BackendResponse{
		OK:   true,
		Data: &plugin.Outcome{ExitCode: 0, Result: map[string]any{"greeting": "hi"}},
	}
	resp, err = f2.orch.Execute(t.Context(), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.OK {
		t.Fatalf("response = %+v, want valid outcome accepted", resp.Error)
	}
}

func TestOrchestrator_RootChainBudgets(t *testing.T) {
	f := newOrchFixture(t, func(opts *OrchestratorOptions) {
		reg := plugin.NewRegistry()
		m := testManifest("demo")
		m.Quotas.TimeoutMs = 50_000
		if err := reg.Register(m, t.TempDir(), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		opts.Registry = reg
	})

	req := demoRequest()
	req.TimeoutMs = 30_000
	if _, err := f.orch.Execute(t.Context(), req); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got := f.backend.request(t, 0)
	if got.TimeoutMs != 30_000 {
		t.Errorf("timeoutMs = %d, want the tighter request budget 30000", got.TimeoutMs)
	}
	chain := ChainFrom(f.backend.context(t, 0))
	if chain == nil {
		t.Fatal("no chain attached at the root")
	}
	if chain.TraceID != "req-1" || chain.Depth != 0 {
		t.Errorf("chain = %+v, want root identity from the request id", chain)
	}
	if chain.Deadline.IsZero() {
		t.Error("root chain deadline not set despite a bounded timeout")
	}

	// With no request timeout the manifest quota binds.
	req2 := demoRequest()
	req2.ExecutionID = "exec-2"
	if _, err := f.orch.Execute(t.Context(), req2); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := f.backend.request(t, 1); got.TimeoutMs != 50_000 {
		t.Errorf("timeoutMs = %d, want the manifest quota 50000", got.TimeoutMs)
	}
}

func TestOrchestrator_InheritedChainIsNotReRooted(t *testing.T) {
	traceDir := t.TempDir()
	f := newOrchFixture(t, func(opts *OrchestratorOptions) {
		opts.Traces = NewTraceStore(traceDir, nil)
	})

	parent := &types.ChainState{TraceID: "tr-up", SpanID: "sp-up", Depth: 2, Hops: 3}
	ctx := WithChain(t.Context(), parent)
	if _, err := f.orch.Execute(ctx, demoRequest()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	chain := ChainFrom(f.backend.context(t, 0))
	if chain != parent {
		t.Errorf("chain = %+v, want the inherited chain untouched", chain)
	}
	// Non-root executions never flush the trace.
	entries, err := os.ReadDir(traceDir)
	if err != nil {
		t.Fatalf("read trace dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("trace files = %d, want none before the root returns", len(entries))
	}
}

func TestOrchestrator_RootSpanFlushedOnReturn(t *testing.T) {
	traceDir := t.TempDir()
	f := newOrchFixture(t, func(opts *OrchestratorOptions) {
		opts.Traces = NewTraceStore(traceDir, nil)
	})

	if _, err := f.orch.Execute(t.Context(), demoRequest()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	spans, err := LoadTrace(filepath.Join(traceDir, "req-1"+TraceFileExt))
	if err != nil {
		t.Fatalf("load trace: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want the root span alone", len(spans))
	}
	root := spans[0]
	if root.TraceID != "req-1" || root.Depth != 0 || !root.OK || root.PluginID != "demo" {
		t.Errorf("root span = %+v, want successful depth-0 span", root)
	}
	if root.Handler != "greet" {
		t.Errorf("handler = %q, want the manifest handler id", root.Handler)
	}
}

func TestOrchestrator_SnapshotOnFailure(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.backend.resp = &types.BackendResponse{
		OK:    false,
		Error: fault.EnvelopeOf(fault.New(fault.KindHandlerError, "handler blew up")),
	}
	f.backend.onExecute = func(context.Context, *types.ExecutionRequest) {
		// Handler output reaches the platform log stream child-bound with
		// the request id; the snapshot must carry it.
		f.orch.platform.Logger.Child(map[string]any{"requestId": "req-1"}).
			Info("step one finished", map[string]any{"rows": 3})
	}

	req := demoRequest()
	req.Input = json.RawMessage(`{"rows":3}`)
	resp, err := f.orch.Execute(t.Context(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK {
		t.Fatal("execution succeeded, want failure")
	}

	wsDir := filepath.Join(f.ws.Root(), workspace.WorkspaceID("exec-1"))
	paths, err := ListSnapshots(wsDir)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(paths))
	}
	snap, err := LoadSnapshot(paths[0])
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.PluginID != "demo" || snap.RequestID != "req-1" || snap.ExecutionID != "exec-1" {
		t.Errorf("snapshot identity = %+v, want request echoed", snap)
	}
	if snap.Error == nil || snap.Error.Code != fault.KindHandlerError {
		t.Errorf("snapshot error = %+v, want HANDLER_ERROR", snap.Error)
	}
	var in map[string]any
	if err := json.Unmarshal(snap.Input, &in); err != nil || in["rows"] != float64(3) {
		t.Errorf("input = %s, want original input preserved", snap.Input)
	}
	if len(snap.Logs) != 1 || !strings.Contains(snap.Logs[0], "step one finished") {
		t.Errorf("logs = %v, want the handler's log tail", snap.Logs)
	}

	events := f.events(t)
	if !hasEvent(events, "execution.failed") {
		t.Errorf("events = %v, want execution.failed", events)
	}
}

func TestOrchestrator_PermissionDeniedFailureEmitsEvent(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.backend.resp = &types.BackendResponse{
		OK:    false,
		Error: fault.EnvelopeOf(fault.New(fault.KindPermissionDenied, "fs write denied")),
	}

	if _, err := f.orch.Execute(t.Context(), demoRequest()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !hasEvent(f.events(t), "permission.denied") {
		t.Error("no permission.denied event for a sandbox rejection")
	}
}

func TestOrchestrator_ArtifactFailuresTracked(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.backend.resp = &types.BackendResponse{
		OK:               true,
		Data:             "done",
		ArtifactIDs:      []string{"out.json"},
		ArtifactFailures: []string{"huge.bin"},
	}

	resp, err := f.orch.Execute(t.Context(), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.OK {
		t.Fatalf("execution failed: %+v", resp.Error)
	}
	if !hasEvent(f.events(t), "artifact.failed") {
		t.Error("no artifact.failed event for a collection failure")
	}
}

func TestOrchestrator_RejectsInvalidRequests(t *testing.T) {
	f := newOrchFixture(t, nil)

	if _, err := f.orch.Execute(t.Context(), nil); err == nil {
		t.Fatal("nil request accepted")
	}

	req := demoRequest()
	req.Descriptor.RequestID = ""
	resp, err := f.orch.Execute(t.Context(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK || resp.Error.Code != fault.KindValidation {
		t.Errorf("response = %+v, want VALIDATION_ERROR", resp)
	}
	if f.backend.calls() != 0 {
		t.Errorf("backend saw %d requests, want 0", f.backend.calls())
	}
}

func TestOrchestrator_ChainDeadlineExhaustedBeforeDispatch(t *testing.T) {
	f := newOrchFixture(t, nil)

	chain := &types.ChainState{TraceID: "tr-1", SpanID: "sp-1", Deadline: time.Now().Add(-time.Second)}
	resp, err := f.orch.Execute(WithChain(t.Context(), chain), demoRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.OK || resp.Error.Code != fault.KindTimeout {
		t.Errorf("response = %+v, want TIMEOUT", resp)
	}
	if f.backend.calls() != 0 {
		t.Errorf("backend saw %d requests, want 0", f.backend.calls())
	}
}

func TestOrchestrator_DelegatesBackendSurface(t *testing.T) {
	f := newOrchFixture(t, nil)

	if got := f.orch.Stats().Backend; got != "stub" {
		t.Errorf("stats backend = %q, want stub", got)
	}
	if !f.orch.Health(t.Context()).Healthy {
		t.Error("health = unhealthy, want delegate verdict")
	}
	if err := f.orch.Start(t.Context()); err != nil {
		t.Errorf("Start failed: %v", err)
	}
	if err := f.orch.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
