package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// JobsBinder derives the per-execution jobs surface for a caller. The
// jobs broker lives a package up; the orchestrator only needs the
// binding shape.
type JobsBinder func(caller types.Descriptor) plugin.Jobs

// OrchestratorOptions assembles an Orchestrator.
type OrchestratorOptions struct {
	// Backend executes requests. Required.
	Backend Backend
	// Registry enables capability checks, schema validation, and the
	// invoke broker. Nil skips all three.
	Registry *plugin.Registry
	// Workspaces locates workspace directories for failure snapshots.
	Workspaces *workspace.Manager
	// Platform supplies analytics and the log stream. The platform's
	// logger is wrapped in place so failure snapshots carry the
	// execution's log tail.
	Platform *platform.Platform
	// Bridge, when set, gets the platform adapters and the invoke
	// adapter registered on it. Hosts must not call RegisterPlatform
	// themselves: registration has to happen after the log wrap.
	Bridge *bridge.Server
	// Capabilities is the set this host grants to plugins.
	Capabilities []string
	// Traces persists invoke chain spans. Optional.
	Traces *TraceStore
	// Snapshots persists failure snapshots. Nil builds a default store.
	Snapshots *SnapshotStore
	// Jobs binds the per-execution jobs surface. Optional; see BindJobs.
	Jobs JobsBinder
	// MaxDepth/MaxHops override the invoke chain budget defaults.
	MaxDepth int
	MaxHops  int

	Metrics *metrics.Collector
	Logger  *log.Logger
}

// Orchestrator wraps a backend with the per-invocation pipeline:
// capability check, chain budgets, broker injection, schema validation,
// artifact accounting, failure snapshots, analytics, and insights. It
// implements Backend so hosts can hold one handle for both.
type Orchestrator struct {
	backend     Backend
	backendName string
	registry    *plugin.Registry
	workspaces  *workspace.Manager
	platform    *platform.Platform
	bridge      *bridge.Server
	invoker     *InvokeBroker
	traces      *TraceStore
	snapshots   *SnapshotStore
	recorder    *LogRecorder
	jobs        JobsBinder
	granted     map[string]struct{}
	coll        *metrics.Collector
	logger      *log.Logger
}

// NewOrchestrator builds the pipeline around opts.Backend.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fault.New(fault.KindValidation, "orchestrator requires a backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = NewSnapshotStore(logger)
	}

	o := &Orchestrator{
		backend:     opts.Backend,
		backendName: opts.Backend.Stats().Backend,
		registry:    opts.Registry,
		workspaces:  opts.Workspaces,
		platform:    opts.Platform,
		bridge:      opts.Bridge,
		traces:      opts.Traces,
		snapshots:   snapshots,
		jobs:        opts.Jobs,
		coll:        opts.Metrics,
		logger:      logger,
	}

	if len(opts.Capabilities) > 0 {
		o.granted = make(map[string]struct{}, len(opts.Capabilities))
		for _, c := range opts.Capabilities {
			o.granted[c] = struct{}{}
		}
	}

	if opts.Registry != nil {
		inv, err := NewInvokeBroker(InvokeBrokerOptions{
			Registry: opts.Registry,
			Backend:  opts.Backend,
			Traces:   opts.Traces,
			MaxDepth: opts.MaxDepth,
			MaxHops:  opts.MaxHops,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		o.invoker = inv
	}

	// The recorder interposes on the shared platform logger so handler
	// output, local or forwarded from workers, can be attributed to an
	// execution by its requestId binding.
	if o.platform != nil {
		o.recorder = NewLogRecorder()
		o.platform.Logger = o.recorder.Wrap(o.platform.Logger)
	}

	if o.bridge != nil {
		if o.platform != nil {
			bridge.RegisterPlatform(o.bridge, o.platform)
		}
		if o.invoker != nil {
			o.bridge.Register("invoke", o.invoker.BridgeHandler())
		}
	}

	return o, nil
}

// Invoker returns the broker built over the registry, or nil.
func (o *Orchestrator) Invoker() *InvokeBroker { return o.invoker }

// Bridge returns the IPC server the orchestrator registered on, for
// hosts that attach further adapters (jobs).
func (o *Orchestrator) Bridge() *bridge.Server { return o.bridge }

// BindJobs installs the jobs binder after construction. The jobs
// broker dispatches through the orchestrator, so it cannot exist
// before it.
func (o *Orchestrator) BindJobs(binder JobsBinder) { o.jobs = binder }

// Start implements Backend.
func (o *Orchestrator) Start(ctx context.Context) error { return o.backend.Start(ctx) }

// Health implements Backend.
func (o *Orchestrator) Health(ctx context.Context) HealthStatus { return o.backend.Health(ctx) }

// Stats implements Backend.
func (o *Orchestrator) Stats() Stats { return o.backend.Stats() }

// Shutdown implements Backend: the backend drains, then buffered
// analytics flush.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.backend.Shutdown(ctx)
	if o.platform != nil && o.platform.Analytics != nil {
		if ferr := o.platform.Analytics.Flush(ctx); ferr != nil {
			o.logger.Warn("analytics flush failed on shutdown", map[string]any{"error": ferr.Error()})
		}
	}
	return err
}

// Execute implements Backend, running the full pipeline around one
// request. All execution failures come back inside the response; the
// error return is reserved for misuse.
func (o *Orchestrator) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	if req == nil {
		return nil, errNilRequest
	}
	start := time.Now()
	meta := types.ResponseMetadata{Backend: o.backendName}

	if err := req.Validate(); err != nil {
		return failureResponse(fault.Wrap(fault.KindValidation, "invalid execution request", err),
			time.Since(start), meta), nil
	}

	r := *req
	desc := &r.Descriptor

	manifest, decl := o.lookupDecl(&r)

	// Capability check first: an unsatisfied manifest never reaches the
	// backend.
	if missing := o.missingCapabilities(manifest); len(missing) > 0 {
		o.coll.IncPermissionDenied()
		o.track(ctx, "capability.missing", map[string]any{
			"pluginId":  desc.PluginID,
			"requestId": desc.RequestID,
			"missing":   missing,
		})
		err := fault.Errorf(fault.KindPermissionDenied,
			"plugin %q requires capabilities this host does not grant", desc.PluginID).
			WithContext("reason", "CAPABILITY_MISSING").
			WithDetails(map[string]any{"missing": missing})
		return failureResponse(err, time.Since(start), meta), nil
	}

	// Chain budgets: inherit from an invoking parent or open a fresh
	// chain. The effective timeout is the tightest of the chain's
	// remaining time, the manifest quota, and the request's own.
	chain := ChainFrom(ctx)
	isRoot := chain == nil
	if isRoot {
		traceID := desc.RequestID
		if traceID == "" {
			traceID = uuid.NewString()
		}
		chain = &types.ChainState{
			TraceID: traceID,
			SpanID:  uuid.NewString(),
			Path:    []string{desc.PluginID},
		}
	}
	if !chain.Deadline.IsZero() && chain.Remaining(start) <= 0 {
		return failureResponse(fault.New(fault.KindTimeout, "chain time budget exhausted"),
			time.Since(start), meta), nil
	}
	var quotaMs int64
	if manifest != nil {
		quotaMs = manifest.Quotas.TimeoutMs
	}
	r.TimeoutMs = childTimeoutMs(chain.Remaining(start), r.TimeoutMs, quotaMs)
	if isRoot && r.TimeoutMs > 0 {
		chain.Deadline = start.Add(time.Duration(r.TimeoutMs) * time.Millisecond)
	}
	ctx = WithChain(ctx, chain)

	// Per-execution brokers ride the context into the backend.
	if o.invoker != nil {
		ctx = WithInvoker(ctx, o.invoker.Bound(*desc, chain))
	}
	if o.jobs != nil {
		if js := o.jobs(*desc); js != nil {
			ctx = WithJobs(ctx, js)
		}
	}

	var tail *logTail
	if o.recorder != nil && desc.RequestID != "" {
		tail = o.recorder.Begin(desc.RequestID)
		defer o.recorder.End(desc.RequestID)
	}

	o.track(ctx, "execution.started", o.eventProps(desc, decl, nil))

	phases := make(map[string]time.Duration, 3)

	// Input schema validation.
	if decl != nil && len(decl.InputSchema) > 0 {
		vStart := time.Now()
		issues, err := checkSchema(decl.InputSchema, inputLoader(r.Input))
		phases["validate"] += time.Since(vStart)
		if err != nil {
			return o.finishFailure(ctx, &r, decl, meta, start, tail,
				fault.Wrap(fault.KindValidation, "input schema is not valid", err)), nil
		}
		if len(issues) > 0 {
			err := fault.New(fault.KindValidation, "input failed schema validation").
				WithDetails(map[string]any{"issues": issues})
			return o.finishFailure(ctx, &r, decl, meta, start, tail, err), nil
		}
	}

	execStart := time.Now()
	resp, err := o.backend.Execute(ctx, &r)
	if err != nil {
		return nil, err
	}
	phases["execute"] = time.Since(execStart)
	o.coll.ObservePhase("execute", phases["execute"])

	// Output schema validation, symmetrical to input, on the handler's
	// payload (an exit-code outcome wrapper is unwrapped first).
	if resp.OK && decl != nil && len(decl.OutputSchema) > 0 {
		vStart := time.Now()
		payload := resp.Data
		if oc, ok := payload.(*plugin.Outcome); ok {
			payload = oc.Result
		}
		issues, err := checkSchema(decl.OutputSchema, gojsonschema.NewGoLoader(payload))
		phases["validate"] += time.Since(vStart)
		var verr error
		if err != nil {
			verr = fault.Wrap(fault.KindValidation, "output schema is not valid", err)
		} else if len(issues) > 0 {
			verr = fault.New(fault.KindValidation, "output failed schema validation").
				WithDetails(map[string]any{"issues": issues})
		}
		if verr != nil {
			resp.OK = false
			resp.Data = nil
			resp.Error = fault.EnvelopeOf(verr)
		}
	}
	if d := phases["validate"]; d > 0 {
		o.coll.ObservePhase("validate", d)
	}

	for _, path := range resp.ArtifactFailures {
		o.track(ctx, "artifact.failed", map[string]any{
			"pluginId":  desc.PluginID,
			"requestId": desc.RequestID,
			"path":      path,
		})
	}

	if resp.OK {
		props := o.eventProps(desc, decl, resp)
		props["durationMs"] = time.Since(start).Milliseconds()
		o.track(ctx, "execution.finished", props)
	} else {
		o.snapshotFailure(&r, decl, resp, tail)
		props := o.eventProps(desc, decl, resp)
		props["durationMs"] = time.Since(start).Milliseconds()
		if resp.Error != nil {
			props["errorCode"] = string(resp.Error.Code)
		}
		o.track(ctx, "execution.failed", props)
		if resp.Error != nil && resp.Error.Code == fault.KindPermissionDenied {
			o.track(ctx, "permission.denied", props)
		}
	}

	o.recordRootSpan(isRoot, chain, &r, decl, resp, start)
	o.emitInsights(desc, phases, time.Since(start), r.TimeoutMs, tail)

	return resp, nil
}

// finishFailure settles a pre-dispatch rejection: snapshot, analytics,
// response shaping. The backend never saw the request.
func (o *Orchestrator) finishFailure(ctx context.Context, req *types.ExecutionRequest, decl *types.HandlerDecl, meta types.ResponseMetadata, start time.Time, tail *logTail, err error) *types.BackendResponse {
	resp := failureResponse(err, time.Since(start), meta)
	o.snapshotFailure(req, decl, resp, tail)
	props := o.eventProps(&req.Descriptor, decl, resp)
	props["durationMs"] = time.Since(start).Milliseconds()
	if resp.Error != nil {
		props["errorCode"] = string(resp.Error.Code)
	}
	o.track(ctx, "execution.failed", props)
	return resp
}

// lookupDecl resolves the manifest and handler declaration for the
// request, when a registry is mounted.
func (o *Orchestrator) lookupDecl(req *types.ExecutionRequest) (*types.Manifest, *types.HandlerDecl) {
	if o.registry == nil {
		return nil, nil
	}
	manifest, ok := o.registry.Manifest(req.Descriptor.PluginID)
	if !ok {
		return nil, nil
	}
	decl, _ := manifest.FindHandlerByRef(req.Handler())
	return manifest, decl
}

// missingCapabilities returns manifest capabilities the host does not
// grant.
func (o *Orchestrator) missingCapabilities(manifest *types.Manifest) []string {
	if manifest == nil || len(manifest.Capabilities) == 0 {
		return nil
	}
	var missing []string
	for _, c := range manifest.Capabilities {
		if _, ok := o.granted[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// snapshotFailure persists the failure snapshot, best-effort.
func (o *Orchestrator) snapshotFailure(req *types.ExecutionRequest, decl *types.HandlerDecl, resp *types.BackendResponse, tail *logTail) {
	if o.snapshots == nil || o.workspaces == nil {
		return
	}
	wsID := resp.Metadata.WorkspaceID
	if wsID == "" {
		wsID = workspace.WorkspaceID(req.ExecutionID)
	}
	handler := req.Handler().Key()
	if decl != nil {
		handler = decl.ID
	}
	snap := &Snapshot{
		Host:          req.Descriptor.Host,
		PluginID:      req.Descriptor.PluginID,
		PluginVersion: req.Descriptor.PluginVersion,
		Handler:       handler,
		RequestID:     req.Descriptor.RequestID,
		ExecutionID:   req.ExecutionID,
		Input:         req.Input,
		HostContext:   req.Descriptor.HostContext,
		Env:           sandbox.PickAllowedEnv(req.Descriptor.Permissions.Env, os.Environ()),
		Error:         resp.Error,
		Logs:          tail.Lines(),
	}
	if o.coll != nil {
		snap.Metrics = o.coll.Snapshot()
	}
	if _, err := o.snapshots.Write(filepath.Join(o.workspaces.Root(), wsID), snap); err != nil {
		o.logger.Warn("failure snapshot not written", map[string]any{
			"requestId": req.Descriptor.RequestID,
			"error":     err.Error(),
		})
	}
}

// recordRootSpan closes out the chain's root span and flushes the
// trace. Nested spans were recorded by the invoke broker before the
// root execution returned.
func (o *Orchestrator) recordRootSpan(isRoot bool, chain *types.ChainState, req *types.ExecutionRequest, decl *types.HandlerDecl, resp *types.BackendResponse, start time.Time) {
	if o.traces == nil || !isRoot {
		return
	}
	handler := req.Handler().Key()
	if decl != nil {
		handler = decl.ID
	}
	span := types.TraceSpan{
		TraceID:    chain.TraceID,
		SpanID:     chain.SpanID,
		RequestID:  req.Descriptor.RequestID,
		PluginID:   req.Descriptor.PluginID,
		Handler:    handler,
		Depth:      chain.Depth,
		Hops:       chain.Hops,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
		OK:         resp.OK,
	}
	if resp.Error != nil {
		span.ErrorCode = string(resp.Error.Code)
	}
	o.traces.Record(span)
	if err := o.traces.Flush(chain.TraceID); err != nil {
		o.logger.Warn("trace flush failed", map[string]any{
			"traceId": chain.TraceID,
			"error":   err.Error(),
		})
	}
}

// emitInsights logs debug-level notes about the finished execution.
func (o *Orchestrator) emitInsights(desc *types.Descriptor, phases map[string]time.Duration, elapsed time.Duration, timeoutMs int64, tail *logTail) {
	if !o.logger.DebugEnabled() {
		return
	}
	notes := synthesizeInsights(insightInput{
		Phases:    phases,
		Elapsed:   elapsed,
		TimeoutMs: timeoutMs,
		LogLines:  tail.Count(),
	})
	for _, note := range notes {
		o.logger.Debug("insight", map[string]any{
			"pluginId":  desc.PluginID,
			"requestId": desc.RequestID,
			"note":      note,
		})
	}
}

// eventProps builds the shared analytics property bag.
func (o *Orchestrator) eventProps(desc *types.Descriptor, decl *types.HandlerDecl, resp *types.BackendResponse) map[string]any {
	props := map[string]any{
		"pluginId":      desc.PluginID,
		"pluginVersion": desc.PluginVersion,
		"requestId":     desc.RequestID,
		"host":          string(desc.Host),
		"backend":       o.backendName,
	}
	if decl != nil {
		props["handler"] = decl.ID
	}
	if desc.TenantID != "" {
		props["tenantId"] = desc.TenantID
	}
	if resp != nil {
		props["ok"] = resp.OK
	}
	return props
}

// track emits one analytics event, best-effort. Emission survives a
// canceled execution context.
func (o *Orchestrator) track(ctx context.Context, event string, props map[string]any) {
	if o.platform == nil || o.platform.Analytics == nil {
		return
	}
	if err := o.platform.Analytics.Track(context.WithoutCancel(ctx), event, props); err != nil {
		o.logger.Debug("analytics track failed", map[string]any{
			"event": event,
			"error": err.Error(),
		})
	}
}

// checkSchema validates a document against a JSON Schema given as a
// decoded document. It returns the flattened issue list.
func checkSchema(schema map[string]any, doc gojsonschema.JSONLoader) ([]string, error) {
	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), doc)
	if err != nil {
		return nil, err
	}
	if res.Valid() {
		return nil, nil
	}
	issues := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		issues = append(issues, re.String())
	}
	return issues, nil
}

// inputLoader wraps raw request input for validation; absent input
// validates as JSON null.
func inputLoader(input []byte) gojsonschema.JSONLoader {
	if len(input) == 0 {
		return gojsonschema.NewStringLoader("null")
	}
	return gojsonschema.NewBytesLoader(input)
}

var _ Backend = (*Orchestrator)(nil)
