// Package runtime executes plugin handlers. It owns the in-process
// runner, the worker process protocol, the worker pool, the backend
// façade over the three isolation levels, and the execute orchestrator
// that wraps a backend with validation, artifacts, snapshots, and
// analytics.
//
// The flow for one invocation: a host adapter builds a
// types.ExecutionRequest and hands it to an Orchestrator (or directly
// to a Backend). The backend leases a workspace, builds a sandbox
// guard, resolves the handler, and runs it through the Runner. The
// runner assembles the plugin.Context, invokes the handler, drains its
// cleanup stack, and returns a types.RunResult. Everything above the
// runner speaks fault envelopes; the runner itself returns errors.
package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
)

// cleanupGrace bounds the cleanup drain after an execution finishes.
// The drain context outlives execution cancellation so finalizers can
// still release resources after a timeout.
const cleanupGrace = 30 * time.Second

// RunSpec is one resolved handler invocation. The backend assembles it
// from the execution request, the workspace lease, and the sandbox
// guard.
type RunSpec struct {
	Descriptor types.Descriptor
	// HandlerRef is the effective reference (export override applied).
	HandlerRef types.HandlerRef
	// HandlerID is the manifest handler id, when the caller resolved one.
	HandlerID string
	// PluginRoot is the absolute plugin root the handler file lives under.
	PluginRoot string
	Input      json.RawMessage
	// Cwd and OutDir come from the workspace lease and artifact config.
	Cwd    string
	OutDir string
	// Chain carries invoke-chain budgets and trace identity. Nil at
	// chain roots.
	Chain *types.ChainState

	Platform *platform.Platform
	Guard    *sandbox.Guard
	UI       plugin.UI
	Invoker  plugin.Invoker
	Shell    plugin.Sheller
	Jobs     plugin.Jobs
}

// RunnerOptions selects the handler sources a Runner can resolve.
type RunnerOptions struct {
	// Registry resolves native Go handlers. Nil means none are served.
	Registry *plugin.Registry
	// Scripts resolves script handlers by file extension. Nil means
	// native handlers only.
	Scripts *script.Engine
	Logger  *log.Logger
}

// Runner executes one handler invocation at a time in the calling
// goroutine: resolve, build context, invoke, drain cleanups. It is
// stateless across runs and safe for concurrent use.
type Runner struct {
	registry *plugin.Registry
	scripts  *script.Engine
	logger   *log.Logger
}

// NewRunner builds a runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{registry: opts.Registry, scripts: opts.Scripts, logger: logger}
}

// Run executes the handler described by spec. ctx carries the
// effective deadline; cancellation after return is a no-op. The
// cleanup stack drains exactly once, on success and on failure, before
// Run returns.
func (r *Runner) Run(ctx context.Context, spec *RunSpec) (*types.RunResult, error) {
	start := time.Now().UTC()

	handler, err := r.resolve(spec)
	if err != nil {
		return nil, err
	}

	traceID, spanID := deriveTrace(spec)

	p := spec.Platform
	if p == nil {
		p = platform.New(platform.Options{})
	}
	execLog := p.Logger.Child(map[string]any{
		"plugin":    spec.Descriptor.PluginID,
		"requestId": spec.Descriptor.RequestID,
		"traceId":   traceID,
	})

	pc := plugin.NewContext(ctx, plugin.ContextOptions{
		Meta: plugin.Meta{
			Host:          spec.Descriptor.Host,
			PluginID:      spec.Descriptor.PluginID,
			PluginVersion: spec.Descriptor.PluginVersion,
			HandlerID:     spec.HandlerID,
			RequestID:     spec.Descriptor.RequestID,
			TenantID:      spec.Descriptor.TenantID,
			Cwd:           spec.Cwd,
			OutDir:        spec.OutDir,
			TraceID:       traceID,
			SpanID:        spanID,
			HostContext:   spec.Descriptor.HostContext,
			Config:        spec.Descriptor.Config,
		},
		Platform: p.WithLogger(execLog),
		Logger:   execLog,
		UI:       spec.UI,
		Guard:    spec.Guard,
		Invoker:  spec.Invoker,
		Shell:    spec.Shell,
		Jobs:     spec.Jobs,
	})

	value, runErr := r.invoke(pc, handler, spec.Input)

	// The drain context outlives cancellation: a timed-out handler
	// still gets to close what it opened.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupGrace)
	pc.DrainCleanups(drainCtx)
	cancel()

	if runErr != nil {
		return nil, classify(ctx, runErr)
	}

	end := time.Now().UTC()
	return &types.RunResult{
		Data: shapeOutcome(value),
		Meta: types.ExecutionMeta{
			StartTime:     start,
			EndTime:       end,
			DurationMs:    end.Sub(start).Milliseconds(),
			PluginID:      spec.Descriptor.PluginID,
			PluginVersion: spec.Descriptor.PluginVersion,
			HandlerID:     spec.HandlerID,
			RequestID:     spec.Descriptor.RequestID,
			TenantID:      spec.Descriptor.TenantID,
		},
	}, nil
}

// resolve maps the handler reference to an executable handler: native
// registry first, then the script engine by file extension.
func (r *Runner) resolve(spec *RunSpec) (plugin.Handler, error) {
	if r.registry != nil {
		h, err := r.registry.Lookup(spec.Descriptor.PluginID, spec.HandlerRef)
		if err == nil {
			return h, nil
		}
		if !fault.IsKind(err, fault.KindHandlerNotFound) {
			return nil, err
		}
		// Not registered natively; fall through to scripts.
	}
	if r.scripts != nil && r.scripts.Serves(spec.HandlerRef.File) {
		path := filepath.Join(spec.PluginRoot, spec.HandlerRef.File)
		return r.scripts.Handler(path, spec.HandlerRef.Export), nil
	}
	return nil, fault.Errorf(fault.KindHandlerNotFound,
		"no handler for plugin %q ref %q", spec.Descriptor.PluginID, spec.HandlerRef.Key())
}

// invoke runs the handler with panic containment. A panicking handler
// is a failed handler, not a failed host.
func (r *Runner) invoke(pc *plugin.Context, h plugin.Handler, input json.RawMessage) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.FromPanic(rec)
			r.logger.Error("handler panicked", map[string]any{
				"plugin":    pc.Meta.PluginID,
				"requestId": pc.Meta.RequestID,
				"error":     err.Error(),
			})
		}
	}()
	return h.Execute(pc, input)
}

// deriveTrace yields the execution's trace identity. An invoke chain
// carries both ids; at a chain root the span is fresh and the trace
// comes from the parent request id ("traceId:spanId" form) or, absent
// a parent, the request id itself.
func deriveTrace(spec *RunSpec) (traceID, spanID string) {
	if c := spec.Chain; c != nil {
		traceID, spanID = c.TraceID, c.SpanID
	}
	if spanID == "" {
		spanID = uuid.NewString()
	}
	if traceID != "" {
		return traceID, spanID
	}
	if parent := spec.Descriptor.ParentRequestID; parent != "" {
		if i := strings.IndexByte(parent, ':'); i > 0 {
			return parent[:i], spanID
		}
		return parent, spanID
	}
	if spec.Descriptor.RequestID != "" {
		return spec.Descriptor.RequestID, spanID
	}
	return spanID, spanID
}

// classify maps a handler failure into the taxonomy, letting the
// context verdict win: a done deadline is TIMEOUT and a cancellation is
// ABORTED even when the handler surfaced its own error on the way out.
func classify(ctx context.Context, err error) error {
	if kind := fault.KindOf(err); kind == fault.KindTimeout || kind == fault.KindAborted {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fault.Normalize(ctxErr)
	}
	return fault.Normalize(err)
}

// shapeOutcome applies the handler return contract: a *plugin.Outcome
// passes through; a map shaped {exitCode, result?, meta?} is promoted
// to one; anything else is raw data.
func shapeOutcome(value any) any {
	if oc, ok := value.(*plugin.Outcome); ok {
		return oc
	}
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	code, ok := numericExitCode(m["exitCode"])
	if !ok {
		return value
	}
	for k := range m {
		if k != "exitCode" && k != "result" && k != "meta" {
			return value
		}
	}
	oc := &plugin.Outcome{ExitCode: code, Result: m["result"]}
	if meta, ok := m["meta"].(map[string]any); ok {
		oc.Meta = meta
	}
	return oc
}

func numericExitCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
