package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// subprocessShutdownGrace bounds the post-execution teardown of a
// one-shot worker before it is killed.
const subprocessShutdownGrace = 5 * time.Second

// SubprocessBackend spawns a fresh worker per execution. Strongest
// isolation, highest latency; the process carries no state between
// requests, so there is nothing to recycle or health-check.
type SubprocessBackend struct {
	workspaces *workspace.Manager
	scripts    *script.Engine
	logger     *log.Logger
	coll       *metrics.Collector
	artifacts  *ArtifactCollector

	command     []string
	socketPath  string
	sandboxMode string

	seq        atomic.Int64
	down       atomic.Bool
	executions atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	crashes    atomic.Int64
}

// NewSubprocessBackend builds the one-shot backend.
func NewSubprocessBackend(opts BackendOptions) (*SubprocessBackend, error) {
	if len(opts.WorkerCommand) == 0 {
		return nil, fault.New(fault.KindValidation, "subprocess backend requires a worker command")
	}
	if opts.SocketPath == "" {
		return nil, fault.New(fault.KindValidation, "subprocess backend requires a platform socket path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &SubprocessBackend{
		workspaces:  opts.Workspaces,
		scripts:     opts.Scripts,
		logger:      logger,
		coll:        opts.Metrics,
		artifacts:   opts.Artifacts,
		command:     opts.WorkerCommand,
		socketPath:  opts.SocketPath,
		sandboxMode: opts.SandboxMode,
	}, nil
}

// Start implements Backend. It verifies the worker command resolves so
// misconfiguration surfaces at boot, not on the first request.
func (b *SubprocessBackend) Start(context.Context) error {
	if _, err := exec.LookPath(b.command[0]); err != nil {
		return fault.Wrap(fault.KindValidation, fmt.Sprintf("worker command %q", b.command[0]), err)
	}
	return nil
}

// Execute implements Backend.
func (b *SubprocessBackend) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	if req == nil {
		return nil, errNilRequest
	}
	start := time.Now()
	meta := types.ResponseMetadata{Backend: BackendSubprocess}

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

func (b *SubprocessBackend) execute(ctx context.Context, req *types.ExecutionRequest, meta *types.ResponseMetadata, sink *artifactSink) (*types.RunResult, error) {
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

	worker := NewWorkerProcess(WorkerConfig{
		ID:          fmt.Sprintf("sub-%d", b.seq.Add(1)),
		Command:     b.command,
		SocketPath:  b.socketPath,
		SandboxMode: b.sandboxMode,
		Logger:      b.logger,
	})
	if err := worker.Start(ctx); err != nil {
		b.crashes.Add(1)
		b.coll.IncWorkerCrash()
		return nil, err
	}
	b.coll.IncWorkerSpawned()
	meta.WorkerID = worker.ID()
	defer func() {
		// One-shot worker: tear it down regardless of outcome.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), subprocessShutdownGrace)
		_ = worker.Shutdown(sctx, false, 0)
		cancel()
	}()

	execCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	frame := executeFrame(req, lease, outDir, b.socketPath, b.scripts, ChainFrom(ctx))
	resFrame, err := worker.Execute(execCtx, frame)
	if err != nil {
		if fault.IsWorkerCrashed(err) {
			b.crashes.Add(1)
			b.coll.IncWorkerCrash()
		}
		return nil, err
	}
	res, err := decodeResult(resFrame)
	if err != nil {
		return nil, err
	}
	collectArtifacts(ctx, b.artifacts, req, outDir, sink)
	return res, nil
}

// Health implements Backend. Workers are per-execution; the backend is
// healthy while it accepts requests.
func (b *SubprocessBackend) Health(context.Context) HealthStatus {
	if b.down.Load() {
		return HealthStatus{Healthy: false, Detail: "shut down"}
	}
	return HealthStatus{Healthy: true}
}

// Stats implements Backend.
func (b *SubprocessBackend) Stats() Stats {
	return Stats{
		Backend:       BackendSubprocess,
		Executions:    b.executions.Load(),
		Successes:     b.successes.Load(),
		Errors:        b.failures.Load(),
		WorkerCrashes: b.crashes.Load(),
	}
}

// Shutdown implements Backend. Idempotent.
func (b *SubprocessBackend) Shutdown(context.Context) error {
	b.down.Store(true)
	return nil
}

// executeFrame assembles the worker execute frame for a request. For
// script handlers the path is resolved against the leased plugin root;
// compiled-in handlers keep the manifest-relative ref so the worker
// registry can match it.
func executeFrame(req *types.ExecutionRequest, lease *workspace.Lease, outDir, socketPath string, scripts *script.Engine, chain *types.ChainState) *types.ExecuteFrame {
	ref := req.Handler()
	handlerPath := ref.File
	if scripts != nil && scripts.Serves(ref.File) {
		handlerPath = filepath.Join(lease.PluginRoot, ref.File)
	}
	return &types.ExecuteFrame{
		Type:        types.FrameExecute,
		Descriptor:  req.Descriptor,
		HandlerPath: handlerPath,
		Export:      ref.Export,
		Input:       req.Input,
		SocketPath:  socketPath,
		Cwd:         lease.Cwd,
		OutDir:      outDir,
		TimeoutMs:   req.TimeoutMs,
		Chain:       chain,
	}
}

// decodeResult reconstructs the runner result carried by a result
// frame. The outcome contract is re-applied after the JSON round trip.
func decodeResult(frame *types.ResultFrame) (*types.RunResult, error) {
	var data any
	if len(frame.Result) > 0 {
		if err := json.Unmarshal(frame.Result, &data); err != nil {
			return nil, fault.Wrap(fault.KindUnknown, "undecodable worker result", err)
		}
	}
	res := &types.RunResult{Data: shapeOutcome(data)}
	if frame.Meta != nil {
		res.Meta = *frame.Meta
	}
	return res, nil
}

var _ Backend = (*SubprocessBackend)(nil)
