package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

type stubEngine struct {
	mu    sync.Mutex
	calls []*types.ExecutionRequest
	run   func(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error)
}

func (e *stubEngine) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	run := e.run
	e.mu.Unlock()
	if run != nil {
		return run(ctx, req)
	}
	return &types.BackendResponse{OK: true, Data: map[string]any{"done": true}, ExecutionTimeMs: 1}, nil
}

func (e *stubEngine) setRun(fn func(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error)) {
	e.mu.Lock()
	e.run = fn
	e.mu.Unlock()
}

func (e *stubEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *stubEngine) request(t *testing.T, i int) *types.ExecutionRequest {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.calls) {
		t.Fatalf("engine saw %d calls, want index %d", len(e.calls), i)
	}
	return e.calls[i]
}

// blockUntil parks executions until release is closed, so tests can
// hold jobs in the running state.
func blockUntil(release <-chan struct{}) func(context.Context, *types.ExecutionRequest) (*types.BackendResponse, error) {
	return func(ctx context.Context, _ *types.ExecutionRequest) (*types.BackendResponse, error) {
		select {
		case <-release:
			return &types.BackendResponse{OK: true}, nil
		case <-ctx.Done():
			return nil, fault.Normalize(ctx.Err())
		}
	}
}

func jobsRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	demo := types.Manifest{
		ID:      "demo",
		Version: "1.2.0",
		Handlers: []types.HandlerDecl{
			{ID: "sweep", File: "handlers/sweep.js"},
			{ID: "digest", File: "handlers/digest.js"},
		},
		Permissions: types.PermissionSpec{
			Jobs: types.JobsPermissions{Submit: &types.JobGrant{}},
		},
	}
	other := types.Manifest{
		ID:       "other",
		Version:  "0.3.0",
		Handlers: []types.HandlerDecl{{ID: "compact", File: "compact.js"}},
	}
	if err := reg.Register(demo, t.TempDir(), nil); err != nil {
		t.Fatalf("register demo: %v", err)
	}
	if err := reg.Register(other, t.TempDir(), nil); err != nil {
		t.Fatalf("register other: %v", err)
	}
	return reg
}

func jobsCaller(jobs types.JobsPermissions) types.Descriptor {
	return types.Descriptor{
		Host:          types.HostCLI,
		PluginID:      "demo",
		PluginVersion: "1.2.0",
		RequestID:     "req-root",
		TenantID:      "t1",
		Permissions:   types.PermissionSpec{Jobs: jobs}.Normalize(),
	}
}

type brokerFixture struct {
	broker *Broker
	engine *stubEngine
	plat   *platform.Platform
	coll   *metrics.Collector
}

func newTestBroker(t *testing.T, mutate func(*BrokerOptions)) *brokerFixture {
	t.Helper()
	engine := &stubEngine{}
	coll := metrics.NewCollector()
	opts := BrokerOptions{
		Engine:   engine,
		Registry: jobsRegistry(t),
		Platform: platform.New(platform.Options{}),
		Metrics:  coll,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := NewBroker(opts)
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	b.retryDelay = 0
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return &brokerFixture{broker: b, engine: engine, plat: opts.Platform, coll: coll}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want a classified fault", err)
	}
	reason, _ := fe.Context["reason"].(string)
	return reason
}

func TestNewBroker_RequiresWiring(t *testing.T) {
	engine := &stubEngine{}
	reg := jobsRegistry(t)
	plat := platform.New(platform.Options{})

	cases := []struct {
		name string
		opts BrokerOptions
	}{
		{"no engine", BrokerOptions{Registry: reg, Platform: plat}},
		{"no registry", BrokerOptions{Engine: engine, Platform: plat}},
		{"no platform", BrokerOptions{Engine: engine, Registry: reg}},
	}
	for _, tc := range cases {
		if _, err := NewBroker(tc.opts); !fault.IsKind(err, fault.KindValidation) {
			t.Errorf("%s: err = %v, want VALIDATION", tc.name, err)
		}
	}
}

func TestBroker_SubmitRunsJobAsWorkflowStep(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})

	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{
		Handler: "sweep",
		Input:   json.RawMessage(`{"scope":"stale"}`),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("handle has no id")
	}

	resp, err := h.Await(t.Context())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !resp.OK {
		t.Fatalf("response = %+v, want OK", resp)
	}
	status, err := h.Status(t.Context())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusSucceeded {
		t.Errorf("status = %q, want succeeded", status)
	}

	req := fx.engine.request(t, 0)
	d := req.Descriptor
	if d.Host != types.HostWorkflow {
		t.Errorf("host = %q, want workflow", d.Host)
	}
	if d.PluginID != "demo" || d.PluginVersion != "1.2.0" {
		t.Errorf("descriptor = %+v, want target identity from the manifest", d)
	}
	if d.RequestID != h.ID() {
		t.Errorf("requestId = %q, want the job id %q", d.RequestID, h.ID())
	}
	if d.ParentRequestID != "req-root" || d.TenantID != "t1" {
		t.Errorf("descriptor = %+v, want caller context carried to the chain root", d)
	}
	if req.HandlerRef.Key() != "handlers/sweep.js#sweep" {
		t.Errorf("handler = %q, want the named declaration", req.HandlerRef.Key())
	}
	if string(req.Input) != `{"scope":"stale"}` {
		t.Errorf("input = %s, want the submitted input", req.Input)
	}
	if req.ExecutionID == "" || req.ExecutionID == d.RequestID {
		t.Errorf("executionId = %q, want a fresh id distinct from the job id", req.ExecutionID)
	}
	if d.HostContext["jobId"] != h.ID() || d.HostContext["stepId"] != "sweep" {
		t.Errorf("hostContext = %v, want job identity", d.HostContext)
	}
	if d.HostContext["attempt"] != 1 {
		t.Errorf("attempt = %v, want 1", d.HostContext["attempt"])
	}

	if got := fx.coll.Snapshot().JobsSubmitted; got != 1 {
		t.Errorf("jobsSubmitted = %d, want 1", got)
	}
}

func TestBroker_SubmitRequiresHandler(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})

	_, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestBroker_SubmitDeniedWithoutGrant(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{})

	_, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if got := reasonOf(t, err); got != "JOB_SUBMIT_NOT_DECLARED" {
		t.Errorf("reason = %q, want JOB_SUBMIT_NOT_DECLARED", got)
	}
	if fx.engine.count() != 0 {
		t.Errorf("engine calls = %d, want 0", fx.engine.count())
	}
	if got := fx.coll.Snapshot().JobsRejected["permission"]; got != 1 {
		t.Errorf("rejected[permission] = %d, want 1", got)
	}
}

func TestBroker_SubmitScopesTargets(t *testing.T) {
	fx := newTestBroker(t, nil)

	// The default grant covers the caller's own plugin only.
	own := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	_, err := fx.broker.Submit(t.Context(), own, plugin.JobRequest{Handler: "compact", PluginID: "other"})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if got := reasonOf(t, err); got != "JOB_TARGET_NOT_ALLOWED" {
		t.Errorf("reason = %q, want JOB_TARGET_NOT_ALLOWED", got)
	}

	// An explicit allow entry opens the named plugin.
	wide := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{
		Allow: []string{types.JobGrantOwnPlugin, "other"},
	}})
	h, err := fx.broker.Submit(t.Context(), wide, plugin.JobRequest{Handler: "compact", PluginID: "other"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Await(t.Context()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	d := fx.engine.request(t, 0).Descriptor
	if d.PluginID != "other" || d.PluginVersion != "0.3.0" {
		t.Errorf("descriptor = %+v, want the targeted plugin's identity", d)
	}
}

func TestBroker_SubmitUnknownTargets(t *testing.T) {
	fx := newTestBroker(t, nil)

	ghost := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{
		Allow: []string{"ghost"},
	}})
	_, err := fx.broker.Submit(t.Context(), ghost, plugin.JobRequest{Handler: "x", PluginID: "ghost"})
	if !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("unknown plugin: err = %v, want HANDLER_NOT_FOUND", err)
	}

	own := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	_, err = fx.broker.Submit(t.Context(), own, plugin.JobRequest{Handler: "nope"})
	if !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("unknown handler: err = %v, want HANDLER_NOT_FOUND", err)
	}
}

func TestBroker_SubmitEnforcesWindowQuota(t *testing.T) {
	fx := newTestBroker(t, nil)
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fx.broker.now = func() time.Time { return fixed }

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{PerMinute: 2}})
	req := plugin.JobRequest{Handler: "sweep"}

	for i := 0; i < 2; i++ {
		h, err := fx.broker.Submit(t.Context(), caller, req)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		if _, err := h.Await(t.Context()); err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
	}

	_, err := fx.broker.Submit(t.Context(), caller, req)
	if !fault.IsKind(err, fault.KindQueueFull) {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}
	if got := reasonOf(t, err); got != "JOB_QUOTA_EXCEEDED" {
		t.Errorf("reason = %q, want JOB_QUOTA_EXCEEDED", got)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		details, _ := fe.Details.(map[string]any)
		if details["window"] != "minute" {
			t.Errorf("details = %v, want the minute window named", details)
		}
	}
	if got := fx.coll.Snapshot().JobsRejected["quota"]; got != 1 {
		t.Errorf("rejected[quota] = %d, want 1", got)
	}

	// The window slides: two minutes later the budget is free again.
	fx.broker.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	h, err := fx.broker.Submit(t.Context(), caller, req)
	if err != nil {
		t.Fatalf("Submit after the window failed: %v", err)
	}
	if _, err := h.Await(t.Context()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
}

func TestBroker_SubmitEnforcesConcurrency(t *testing.T) {
	fx := newTestBroker(t, nil)
	release := make(chan struct{})
	fx.engine.setRun(blockUntil(release))

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{MaxConcurrent: 1}})
	req := plugin.JobRequest{Handler: "sweep"}

	first, err := fx.broker.Submit(t.Context(), caller, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err = fx.broker.Submit(t.Context(), caller, req)
	if !fault.IsKind(err, fault.KindQueueFull) {
		t.Fatalf("err = %v, want QUEUE_FULL while the slot is held", err)
	}
	if got := reasonOf(t, err); got != "JOB_CONCURRENCY_EXCEEDED" {
		t.Errorf("reason = %q, want JOB_CONCURRENCY_EXCEEDED", got)
	}
	if got := fx.coll.Snapshot().JobsRejected["concurrency"]; got != 1 {
		t.Errorf("rejected[concurrency] = %d, want 1", got)
	}

	close(release)
	if _, err := first.Await(t.Context()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	// The slot frees asynchronously once the runner settles.
	waitFor(t, "the concurrency slot to free", func() bool {
		h, err := fx.broker.Submit(t.Context(), caller, req)
		if err != nil {
			return false
		}
		_, err = h.Await(t.Context())
		return err == nil
	})
}

func TestBroker_SubmitCapsTimeoutToGrant(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{MaxDurationMs: 5000}})

	cases := []struct {
		ask  int64
		want int64
	}{
		{60_000, 5000},
		{0, 5000},
		{1000, 1000},
	}
	for i, tc := range cases {
		h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep", TimeoutMs: tc.ask})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		if _, err := h.Await(t.Context()); err != nil {
			t.Fatalf("Await %d failed: %v", i, err)
		}
		if got := fx.engine.request(t, i).TimeoutMs; got != tc.want {
			t.Errorf("ask %d: timeoutMs = %d, want %d", tc.ask, got, tc.want)
		}
	}
}

func TestBroker_SubmitRetriesFailedAttempts(t *testing.T) {
	fx := newTestBroker(t, nil)
	var attempts int32
	fx.engine.setRun(func(ctx context.Context, _ *types.ExecutionRequest) (*types.BackendResponse, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return &types.BackendResponse{OK: false}, nil
		}
		return &types.BackendResponse{OK: true}, nil
	})

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep", Retries: 2})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	resp, err := h.Await(t.Context())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !resp.OK {
		t.Fatalf("response = %+v, want success on the final attempt", resp)
	}
	if fx.engine.count() != 3 {
		t.Fatalf("engine calls = %d, want 3", fx.engine.count())
	}

	// Each attempt is a fresh execution under the same job id.
	first := fx.engine.request(t, 0)
	for i := 0; i < 3; i++ {
		req := fx.engine.request(t, i)
		if req.Descriptor.RequestID != first.Descriptor.RequestID {
			t.Errorf("attempt %d requestId = %q, want the stable job id", i+1, req.Descriptor.RequestID)
		}
		if i > 0 && req.ExecutionID == first.ExecutionID {
			t.Errorf("attempt %d reused executionId %q", i+1, req.ExecutionID)
		}
		if got := req.Descriptor.HostContext["attempt"]; got != i+1 {
			t.Errorf("attempt marker = %v, want %d", got, i+1)
		}
	}
}

func TestBroker_SubmitRetriesExhaustedMarksFailed(t *testing.T) {
	fx := newTestBroker(t, nil)
	fx.engine.setRun(func(ctx context.Context, _ *types.ExecutionRequest) (*types.BackendResponse, error) {
		return &types.BackendResponse{OK: false}, nil
	})

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep", Retries: 1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	resp, err := h.Await(t.Context())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resp.OK {
		t.Error("response OK, want the final failed attempt")
	}
	if fx.engine.count() != 2 {
		t.Errorf("engine calls = %d, want 2", fx.engine.count())
	}
	status, _ := h.Status(t.Context())
	if status != StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestBroker_CancelJobMarksCanceled(t *testing.T) {
	fx := newTestBroker(t, nil)
	fx.engine.setRun(blockUntil(make(chan struct{})))

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	status, _ := h.Status(t.Context())
	if status != StatusRunning {
		t.Fatalf("status = %q, want running before cancel", status)
	}

	if err := h.Cancel(t.Context()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := h.Await(t.Context()); err == nil {
		t.Error("Await returned no error for a canceled job")
	}
	status, _ = h.Status(t.Context())
	if status != StatusCanceled {
		t.Errorf("status = %q, want canceled", status)
	}

	// Canceling a finished job is a no-op.
	fx.engine.setRun(nil)
	done, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := done.Await(t.Context()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if err := done.Cancel(t.Context()); err != nil {
		t.Fatalf("Cancel of a finished job failed: %v", err)
	}
	status, _ = done.Status(t.Context())
	if status != StatusSucceeded {
		t.Errorf("status = %q, want succeeded to survive a late cancel", status)
	}
}

func TestBroker_AwaitJobSlices(t *testing.T) {
	fx := newTestBroker(t, nil)
	fx.engine.setRun(blockUntil(make(chan struct{})))

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done, resp, err := fx.broker.AwaitJob(t.Context(), h.ID(), 20)
	if err != nil {
		t.Fatalf("AwaitJob failed: %v", err)
	}
	if done || resp != nil {
		t.Errorf("await = (%v, %+v), want an empty round while running", done, resp)
	}
}

func TestBroker_UnknownJobIDs(t *testing.T) {
	fx := newTestBroker(t, nil)

	if _, err := fx.broker.JobStatus("ghost"); !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("JobStatus: err = %v, want HANDLER_NOT_FOUND", err)
	}
	if err := fx.broker.CancelJob(t.Context(), "ghost"); !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("CancelJob: err = %v, want HANDLER_NOT_FOUND", err)
	}
	if _, _, err := fx.broker.AwaitJob(t.Context(), "ghost", 10); !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("AwaitJob: err = %v, want HANDLER_NOT_FOUND", err)
	}
}

func TestBroker_SubmitRejectedWhenDegraded(t *testing.T) {
	controller := newTestController(t, nil)
	controller.Observe(Signals{Healthy: false})

	fx := newTestBroker(t, func(o *BrokerOptions) { o.Controller = controller })
	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})

	_, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if !fault.IsKind(err, fault.KindSubmitDegraded) {
		t.Fatalf("err = %v, want SUBMIT_DEGRADED", err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Context["state"] != "critical" {
		t.Errorf("state = %v, want critical", fe.Context["state"])
	}
	if fx.engine.count() != 0 {
		t.Errorf("engine calls = %d, want 0", fx.engine.count())
	}
	if got := fx.coll.Snapshot().JobsRejected["degraded"]; got != 1 {
		t.Errorf("rejected[degraded] = %d, want 1", got)
	}
}

func TestBroker_ShutdownStopsIntake(t *testing.T) {
	fx := newTestBroker(t, nil)
	fx.engine.setRun(blockUntil(make(chan struct{})))

	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})
	h, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := fx.broker.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Shutdown waits for runners, so the job is terminal by now.
	status, err := fx.broker.JobStatus(h.ID())
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if status == StatusRunning {
		t.Errorf("status = %q, want a terminal state after shutdown", status)
	}

	if _, err := fx.broker.Submit(t.Context(), caller, plugin.JobRequest{Handler: "sweep"}); !fault.IsKind(err, fault.KindAborted) {
		t.Errorf("post-shutdown submit: err = %v, want ABORTED", err)
	}
	if err := fx.broker.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestBroker_ScheduleRegistersRecurringJob(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Schedule: &types.JobGrant{}})

	h, err := fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{
		Handler: "digest",
		Every:   "30m",
		Input:   json.RawMessage(`{"window":"day"}`),
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("handle has no id")
	}

	entry, ok := fx.broker.Scheduler().Lookup(h.ID())
	if !ok {
		t.Fatal("schedule not registered")
	}
	if entry.PluginID != "demo" || entry.Every != "30m" {
		t.Errorf("entry = %+v, want the registered recurrence", entry)
	}
	if entry.Handler.Key() != "handlers/digest.js#digest" {
		t.Errorf("handler = %q, want the named declaration", entry.Handler.Key())
	}
	if _, found, _ := fx.plat.State.Get(t.Context(), scheduleNamespace, h.ID()); !found {
		t.Error("schedule not persisted")
	}
	if got := fx.coll.Snapshot().SchedulesRegistered; got != 1 {
		t.Errorf("schedulesRegistered = %d, want 1", got)
	}

	if err := h.Cancel(t.Context()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, ok := fx.broker.Scheduler().Lookup(h.ID()); ok {
		t.Error("canceled schedule still registered")
	}
	if _, found, _ := fx.plat.State.Get(t.Context(), scheduleNamespace, h.ID()); found {
		t.Error("canceled schedule still persisted")
	}
}

func TestBroker_ScheduleRequiresGrant(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Submit: &types.JobGrant{}})

	_, err := fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{Handler: "digest", Every: "30m"})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if got := reasonOf(t, err); got != "JOB_SCHEDULE_NOT_DECLARED" {
		t.Errorf("reason = %q, want JOB_SCHEDULE_NOT_DECLARED", got)
	}
}

func TestBroker_ScheduleEnforcesMinInterval(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Schedule: &types.JobGrant{MinIntervalMs: 300_000}})

	_, err := fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{Handler: "digest", Every: "1m"})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if got := reasonOf(t, err); got != "JOB_INTERVAL_TOO_SHORT" {
		t.Errorf("reason = %q, want JOB_INTERVAL_TOO_SHORT", got)
	}

	_, err = fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{Handler: "digest", Cron: "* * * * *"})
	if !fault.IsKind(err, fault.KindPermissionDenied) {
		t.Errorf("dense cron: err = %v, want PERMISSION_DENIED", err)
	}

	if _, err := fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{Handler: "digest", Every: "10m"}); err != nil {
		t.Errorf("10m interval rejected: %v", err)
	}
}

func TestBroker_ScheduleValidatesRecurrence(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{Schedule: &types.JobGrant{}})

	cases := []struct {
		name string
		req  plugin.ScheduleRequest
	}{
		{"both forms", plugin.ScheduleRequest{Handler: "digest", Cron: "* * * * *", Every: "1m"}},
		{"no form", plugin.ScheduleRequest{Handler: "digest"}},
		{"bad interval", plugin.ScheduleRequest{Handler: "digest", Every: "5x"}},
	}
	for _, tc := range cases {
		if _, err := fx.broker.Schedule(t.Context(), caller, tc.req); !fault.IsKind(err, fault.KindValidation) {
			t.Errorf("%s: err = %v, want VALIDATION", tc.name, err)
		}
	}

	_, err := fx.broker.Schedule(t.Context(), caller, plugin.ScheduleRequest{Handler: "nope", Every: "1m"})
	if !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("unknown handler: err = %v, want HANDLER_NOT_FOUND", err)
	}
}

func TestBroker_CronTriggerSubmits(t *testing.T) {
	fx := newTestBroker(t, nil)
	if err := fx.broker.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A trigger for a plugin this broker does not serve is skipped.
	ghost := types.CronTrigger{
		ScheduleID: "sch-ghost",
		PluginID:   "ghost",
		Handler:    types.HandlerRef{File: "x.js", Export: "x"},
	}
	payload, err := json.Marshal(ghost)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := fx.plat.Events.Publish(t.Context(), types.CronTriggeredChannel, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	trig := types.CronTrigger{
		ScheduleID: "sch-1",
		PluginID:   "demo",
		Handler:    types.HandlerRef{File: "handlers/sweep.js", Export: "sweep"},
		Input:      json.RawMessage(`{"scope":"stale"}`),
	}
	payload, err = json.Marshal(trig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := fx.plat.Events.Publish(t.Context(), types.CronTriggeredChannel, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "the triggered job to dispatch", func() bool {
		return fx.engine.count() == 1
	})

	req := fx.engine.request(t, 0)
	d := req.Descriptor
	if d.PluginID != "demo" {
		t.Errorf("plugin = %q, want demo (the ghost trigger must be skipped)", d.PluginID)
	}
	if d.Host != types.HostWorkflow {
		t.Errorf("host = %q, want workflow", d.Host)
	}
	if !strings.HasPrefix(d.ParentRequestID, "sch-1:") {
		t.Errorf("parentRequestId = %q, want the schedule-derived caller id", d.ParentRequestID)
	}
	if req.HandlerRef.Key() != "handlers/sweep.js#sweep" {
		t.Errorf("handler = %q, want the triggered handler", req.HandlerRef.Key())
	}
	if string(req.Input) != `{"scope":"stale"}` {
		t.Errorf("input = %s, want the schedule input", req.Input)
	}
	if got := fx.coll.Snapshot().CronTriggers; got != 1 {
		t.Errorf("cronTriggers = %d, want 1", got)
	}
}

func TestBroker_BoundCapturesCaller(t *testing.T) {
	fx := newTestBroker(t, nil)
	caller := jobsCaller(types.JobsPermissions{
		Submit:   &types.JobGrant{},
		Schedule: &types.JobGrant{},
	})

	bound := fx.broker.Bound(caller)
	h, err := bound.Submit(t.Context(), plugin.JobRequest{Handler: "sweep"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Await(t.Context()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got := fx.engine.request(t, 0).Descriptor.ParentRequestID; got != "req-root" {
		t.Errorf("parentRequestId = %q, want the bound caller's request", got)
	}

	sh, err := bound.Schedule(t.Context(), plugin.ScheduleRequest{Handler: "digest", Every: "30m"})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := sh.Cancel(t.Context()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
}

func TestBroker_BridgeHandlerSpeaksWireShapes(t *testing.T) {
	fx := newTestBroker(t, nil)
	h := fx.broker.BridgeHandler()
	caller := jobsCaller(types.JobsPermissions{
		Submit:   &types.JobGrant{},
		Schedule: &types.JobGrant{},
	})

	marshal := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return raw
	}

	res, err := h(t.Context(), "submit", []json.RawMessage{
		marshal(caller),
		marshal(plugin.JobRequest{Handler: "sweep"}),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	jobID := res.(map[string]string)["id"]
	if jobID == "" {
		t.Fatalf("submit result = %v, want an id", res)
	}

	res, err = h(t.Context(), "await", []json.RawMessage{marshal(jobID), marshal(int64(5000))})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	reply := res.(awaitReply)
	if !reply.Done || reply.Response == nil || !reply.Response.OK {
		t.Fatalf("await reply = %+v, want done with the response", reply)
	}

	res, err = h(t.Context(), "status", []json.RawMessage{marshal(jobID)})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if got := res.(map[string]string)["status"]; got != StatusSucceeded {
		t.Errorf("status = %q, want succeeded", got)
	}

	res, err = h(t.Context(), "cancel", []json.RawMessage{marshal(jobID)})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := res.(map[string]string)["id"]; got != jobID {
		t.Errorf("cancel echo = %q, want %q", got, jobID)
	}

	res, err = h(t.Context(), "schedule", []json.RawMessage{
		marshal(caller),
		marshal(plugin.ScheduleRequest{Handler: "digest", Every: "30m"}),
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	schedID := res.(map[string]string)["id"]
	if schedID == "" {
		t.Fatalf("schedule result = %v, want an id", res)
	}
	if _, err := h(t.Context(), "cancelSchedule", []json.RawMessage{marshal(schedID)}); err != nil {
		t.Fatalf("cancelSchedule failed: %v", err)
	}
	if _, err := h(t.Context(), "cancelSchedule", []json.RawMessage{marshal(schedID)}); !fault.IsKind(err, fault.KindHandlerNotFound) {
		t.Errorf("second cancelSchedule: err = %v, want HANDLER_NOT_FOUND", err)
	}

	if _, err := h(t.Context(), "reticulate", nil); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("unknown method: err = %v, want VALIDATION", err)
	}
	if _, err := h(t.Context(), "submit", []json.RawMessage{marshal(caller)}); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("short submit: err = %v, want VALIDATION", err)
	}
	if _, err := h(t.Context(), "await", []json.RawMessage{marshal(jobID), marshal("soon")}); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("bad wait: err = %v, want VALIDATION", err)
	}
}
