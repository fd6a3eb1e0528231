package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// InProcessBackend runs handlers in the host address space. It is the
// fast path for trusted plugins with natively registered handlers:
// the sandbox interposes only on the exposed runtime surface, nothing
// isolates the handler from the host.
type InProcessBackend struct {
	registry   *plugin.Registry
	workspaces *workspace.Manager
	platform   *platform.Platform
	logger     *log.Logger
	coll       *metrics.Collector
	runner     *Runner
	artifacts  *ArtifactCollector
	ui         plugin.UI
	confirmer  sandbox.Confirmer

	down       atomic.Bool
	executions atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
}

// NewInProcessBackend builds the in-process backend.
func NewInProcessBackend(opts BackendOptions) *InProcessBackend {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	p := opts.Platform
	if p == nil {
		p = platform.New(platform.Options{})
	}
	return &InProcessBackend{
		registry:   opts.Registry,
		workspaces: opts.Workspaces,
		platform:   p,
		logger:     logger,
		coll:       opts.Metrics,
		artifacts:  opts.Artifacts,
		ui:         opts.UI,
		confirmer:  opts.Confirmer,
		runner: NewRunner(RunnerOptions{
			Registry: opts.Registry,
			Scripts:  opts.Scripts,
			Logger:   logger,
		}),
	}
}

// Start implements Backend. The in-process backend has nothing to warm.
func (b *InProcessBackend) Start(context.Context) error { return nil }

// Execute implements Backend.
func (b *InProcessBackend) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	if req == nil {
		return nil, errNilRequest
	}
	start := time.Now()
	meta := types.ResponseMetadata{Backend: BackendInProcess}

	if b.down.Load() {
		return failureResponse(fault.New(fault.KindAborted, "backend is shut down"), time.Since(start), meta), nil
	}

	b.executions.Add(1)
	b.coll.IncExecutionStarted()

	sink := &artifactSink{}
	res, err := b.execute(ctx, req, &meta, sink)
	if err != nil {
		b.failures.Add(1)
		b.coll.IncExecutionFailed(string(fault.KindOf(fault.Normalize(err))))
		return failureResponse(err, time.Since(start), meta), nil
	}
	b.successes.Add(1)
	b.coll.IncExecutionSucceeded()
	resp := successResponse(res, time.Since(start), meta)
	sink.apply(resp)
	return resp, nil
}

func (b *InProcessBackend) execute(ctx context.Context, req *types.ExecutionRequest, meta *types.ResponseMetadata, sink *artifactSink) (*types.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid execution request", err)
	}
	if b.workspaces == nil {
		return nil, fault.New(fault.KindWorkspace, "backend has no workspace manager")
	}

	lease, err := b.workspaces.Lease(ctx, workspace.Request{
		ExecutionID: req.ExecutionID,
		PluginRoot:  req.PluginRoot,
		Config:      req.Workspace,
	})
	if err != nil {
		return nil, err
	}
	defer b.workspaces.Release(lease)
	meta.WorkspaceID = lease.WorkspaceID

	outDir, err := ensureOutDir(lease.Cwd, req.Artifacts.OutDir)
	if err != nil {
		return nil, err
	}

	guard, err := sandbox.New(req.Descriptor.Permissions, sandbox.Options{
		Cwd:        lease.Cwd,
		OutDir:     outDir,
		ExtraRoots: []string{lease.PluginRoot},
		PluginID:   req.Descriptor.PluginID,
		RequestID:  req.Descriptor.RequestID,
		Logger:     b.logger,
		Metrics:    b.coll,
		Confirmer:  b.confirmer,
	})
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	res, err := b.runner.Run(runCtx, &RunSpec{
		Descriptor: req.Descriptor,
		HandlerRef: req.Handler(),
		HandlerID:  b.handlerID(req),
		PluginRoot: lease.PluginRoot,
		Input:      req.Input,
		Cwd:        lease.Cwd,
		OutDir:     outDir,
		Chain:      ChainFrom(ctx),
		Platform:   b.platform,
		Guard:      guard,
		UI:         b.ui,
		Invoker:    InvokerFrom(ctx),
		Shell:      NewGuardedShell(guard, b.logger),
		Jobs:       JobsFrom(ctx),
	})
	if err != nil {
		return nil, err
	}
	collectArtifacts(ctx, b.artifacts, req, outDir, sink)
	return res, nil
}

// handlerID resolves the manifest handler id for the effective ref,
// when the registry knows the plugin.
func (b *InProcessBackend) handlerID(req *types.ExecutionRequest) string {
	if b.registry == nil {
		return ""
	}
	m, ok := b.registry.Manifest(req.Descriptor.PluginID)
	if !ok {
		return ""
	}
	if decl, ok := m.FindHandlerByRef(req.Handler()); ok {
		return decl.ID
	}
	return ""
}

// Health implements Backend.
func (b *InProcessBackend) Health(context.Context) HealthStatus {
	if b.down.Load() {
		return HealthStatus{Healthy: false, Detail: "shut down"}
	}
	return HealthStatus{Healthy: true}
}

// Stats implements Backend.
func (b *InProcessBackend) Stats() Stats {
	return Stats{
		Backend:    BackendInProcess,
		Executions: b.executions.Load(),
		Successes:  b.successes.Load(),
		Errors:     b.failures.Load(),
	}
}

// Shutdown implements Backend. Idempotent; running executions finish,
// new ones are rejected with ABORTED.
func (b *InProcessBackend) Shutdown(context.Context) error {
	b.down.Store(true)
	return nil
}

// ensureOutDir resolves the artifact directory under the workspace and
// creates it. Empty stays empty: artifacts are not configured.
func ensureOutDir(cwd, outDir string) (string, error) {
	if outDir == "" {
		return "", nil
	}
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(cwd, outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fault.Wrap(fault.KindWorkspace, "create artifact directory", err)
	}
	return outDir, nil
}

var _ Backend = (*InProcessBackend)(nil)
