package runtime

import (
	"context"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// Backend names carried in response metadata and stats.
const (
	BackendInProcess  = "in-process"
	BackendPool       = "pool"
	BackendSubprocess = "subprocess"
	BackendAuto       = "auto"
)

// HealthStatus is a backend's liveness verdict.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	// Workers is the live worker count, for pooled backends.
	Workers int `json:"workers,omitempty"`
}

// WorkerCounts breaks the pool population down by state.
type WorkerCounts struct {
	Total    int `json:"total"`
	Starting int `json:"starting"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Draining int `json:"draining"`
}

// Stats is the backend counters snapshot. Non-pooled backends fill the
// execution counters and leave the pool fields zero.
type Stats struct {
	Backend             string       `json:"backend"`
	Workers             WorkerCounts `json:"workers"`
	QueueLength         int          `json:"queueLength"`
	Executions          int64        `json:"executions"`
	Successes           int64        `json:"successes"`
	Errors              int64        `json:"errors"`
	AcquireTimeouts     int64        `json:"acquireTimeouts"`
	QueueFullRejections int64        `json:"queueFullRejections"`
	WorkerCrashes       int64        `json:"workerCrashes"`
	Recycles            int64        `json:"recycles"`
	AvgQueueWaitMs      float64      `json:"avgQueueWaitMs"`
	P99QueueWaitMs      float64      `json:"p99QueueWaitMs"`
}

// Backend is the uniform execution contract over the isolation levels.
// Execute carries failures inside the response envelope; the error
// return is reserved for misuse (nil or unvalidatable requests never
// reached a handler).
type Backend interface {
	Start(ctx context.Context) error
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error)
	Health(ctx context.Context) HealthStatus
	Stats() Stats
	Shutdown(ctx context.Context) error
}

// BackendOptions assembles a concrete backend.
type BackendOptions struct {
	// Registry resolves native handlers and manifests. Required for
	// in-process execution; pooled backends use it for warmup and
	// trust decisions.
	Registry *plugin.Registry
	// Workspaces leases execution directories. Required.
	Workspaces *workspace.Manager
	// Platform is the host service set workers and handlers see.
	Platform *platform.Platform
	Logger   *log.Logger
	Metrics  *metrics.Collector

	// SocketPath is the platform RPC socket workers dial. Required for
	// pool and subprocess backends.
	SocketPath string
	// WorkerCommand launches a worker process (binary plus fixed args).
	// Required for pool and subprocess backends.
	WorkerCommand []string
	// SandboxMode is passed to workers via KB_SANDBOX_MODE. Empty means
	// enforce.
	SandboxMode string

	// Pool configures the worker pool backend.
	Pool PoolConfig

	// Scripts enables script handlers on the in-process path. Normally
	// nil: script handlers belong in workers.
	Scripts *script.Engine

	// Artifacts collects handler outputs from the workspace before the
	// lease is released. Nil skips collection.
	Artifacts *ArtifactCollector

	// UI is the presentation surface handed to handlers. Nil means the
	// log-backed default.
	UI plugin.UI
	// Confirmer answers dangerous-command prompts. Nil denies.
	Confirmer sandbox.Confirmer
}

// NewBackend selects and builds a backend. Mode auto picks in-process
// when every registered plugin is trusted and the platform is local;
// anything else gets the worker pool.
func NewBackend(mode string, opts BackendOptions) (Backend, error) {
	switch mode {
	case BackendInProcess:
		return NewInProcessBackend(opts), nil
	case BackendSubprocess:
		return NewSubprocessBackend(opts)
	case BackendPool:
		return NewPoolBackend(opts)
	case BackendAuto, "":
		if opts.Platform != nil && opts.Platform.Local() && allTrusted(opts.Registry) {
			return NewInProcessBackend(opts), nil
		}
		return NewPoolBackend(opts)
	default:
		return nil, fault.Errorf(fault.KindValidation, "unknown backend mode %q", mode)
	}
}

// allTrusted reports whether every registered plugin is marked trusted.
// An empty registry counts as trusted: there is nothing to isolate.
func allTrusted(reg *plugin.Registry) bool {
	if reg == nil {
		return true
	}
	for _, id := range reg.IDs() {
		m, ok := reg.Manifest(id)
		if !ok || !m.Trusted {
			return false
		}
	}
	return true
}

// successResponse wraps a run result into the host boundary shape.
func successResponse(res *types.RunResult, elapsed time.Duration, meta types.ResponseMetadata) *types.BackendResponse {
	m := res.Meta
	meta.Meta = &m
	return &types.BackendResponse{
		OK:              true,
		Data:            res.Data,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Metadata:        meta,
	}
}

// failureResponse wraps an execution failure into the host boundary
// shape. The error is normalized into the taxonomy on the way.
func failureResponse(err error, elapsed time.Duration, meta types.ResponseMetadata) *types.BackendResponse {
	return &types.BackendResponse{
		OK:              false,
		Error:           fault.EnvelopeOf(err),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Metadata:        meta,
	}
}

var errNilRequest = fault.New(fault.KindValidation, "execute requires a request")

// artifactSink accumulates collection output while the workspace lease
// is still held; the response is assembled after the lease is gone.
type artifactSink struct {
	ids      []string
	failures []string
}

func (s *artifactSink) apply(resp *types.BackendResponse) {
	if s == nil || resp == nil {
		return
	}
	resp.ArtifactIDs = append(resp.ArtifactIDs, s.ids...)
	resp.ArtifactFailures = append(resp.ArtifactFailures, s.failures...)
}

// collectArtifacts gathers handler outputs into sink. It must run
// before the workspace lease is released: ephemeral workspaces take
// their files with them. Collection failures are non-fatal.
func collectArtifacts(ctx context.Context, coll *ArtifactCollector, req *types.ExecutionRequest, outDir string, sink *artifactSink) {
	if coll == nil || outDir == "" || sink == nil {
		return
	}
	arts, fails := coll.Collect(ctx, CollectRequest{
		OutDir:    outDir,
		Patterns:  req.Artifacts.Patterns,
		Upload:    req.Artifacts.Upload,
		PluginID:  req.Descriptor.PluginID,
		RequestID: req.Descriptor.RequestID,
	})
	for _, a := range arts {
		sink.ids = append(sink.ids, a.ID)
	}
	for _, f := range fails {
		sink.failures = append(sink.failures, f.Path)
	}
}
