package plugin

import (
	"context"
	"sync"

	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/types"
)

// Meta is the handler-facing execution metadata. Values are fixed at
// context construction and never change during the execution.
type Meta struct {
	Host          types.HostKind `json:"host"`
	PluginID      string         `json:"pluginId"`
	PluginVersion string         `json:"pluginVersion"`
	// HandlerID is the manifest handler id, when resolvable.
	HandlerID string `json:"handlerId,omitempty"`
	RequestID string `json:"requestId"`
	TenantID  string `json:"tenantId,omitempty"`
	// Cwd/OutDir are the resolved workspace directories.
	Cwd    string `json:"cwd"`
	OutDir string `json:"outdir,omitempty"`
	// TraceID/SpanID identify this execution within its invoke chain.
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`
	// HostContext carries the originating host's request context.
	HostContext map[string]any `json:"hostContext,omitempty"`
	// Config is the plugin's configuration section.
	Config map[string]any `json:"config,omitempty"`
}

// CleanupFunc is one finalizer on the cleanup stack. It receives the
// drain context, which outlives execution cancellation.
type CleanupFunc func(ctx context.Context) error

// Context is the object a handler executes against. It bundles
// metadata, platform services, the sandboxed runtime surface, and the
// high-level API, and owns the cleanup stack for this execution.
//
// A Context belongs to exactly one execution. It is not reused.
type Context struct {
	ctx context.Context

	Meta     Meta
	Platform *platform.Platform
	// Log is the execution-scoped logger, child-bound with plugin,
	// request, and trace ids.
	Log platform.Logger
	UI  UI
	// Runtime is the sandboxed fs/fetch/env surface.
	Runtime *Runtime
	// API bundles invoke, state, artifacts, shell, events, and jobs.
	API API

	mu       sync.Mutex
	cleanups []CleanupFunc
	drained  bool
}

// ContextOptions assembles an execution context. Nil optional fields
// get unavailable or log-backed defaults.
type ContextOptions struct {
	Meta     Meta
	Platform *platform.Platform
	// Logger should arrive child-bound; nil falls back to the platform
	// logger.
	Logger platform.Logger
	UI     UI
	// Guard enforces this execution's permissions on the runtime
	// surface, state access, and artifact paths.
	Guard *sandbox.Guard
	// Invoker dispatches nested invocations. Nil means invoke is
	// unavailable in this execution.
	Invoker Invoker
	// Shell runs subprocess commands. Nil means shell is unavailable.
	Shell Sheller
	// Jobs submits background work. Nil means jobs are unavailable.
	Jobs Jobs
}

// NewContext builds the context a handler executes against. ctx
// carries the execution deadline and cancellation.
func NewContext(ctx context.Context, opts ContextOptions) *Context {
	p := opts.Platform
	if p == nil {
		p = platform.New(platform.Options{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = p.Logger
	}
	ui := opts.UI
	if ui == nil {
		ui = NewLogUI(logger)
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = unavailableInvoker{}
	}
	shell := opts.Shell
	if shell == nil {
		shell = unavailableSheller{}
	}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = unavailableJobs{}
	}

	return &Context{
		ctx:      ctx,
		Meta:     opts.Meta,
		Platform: p,
		Log:      logger,
		UI:       ui,
		Runtime:  newRuntime(opts.Guard),
		API: API{
			Invoke:    invoker,
			State:     &StateAPI{guard: opts.Guard, state: p.State},
			Artifacts: &Artifacts{guard: opts.Guard, outDir: opts.Meta.OutDir},
			Shell:     shell,
			Events:    p.Events,
			Jobs:      jobs,
		},
	}
}

// Context returns the execution's cancellation context. Handlers pass
// it to every blocking operation.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// OnCleanup pushes a finalizer onto the cleanup stack. Finalizers run
// in LIFO order after the handler returns, on success and on failure.
// Registrations after the drain started are dropped with a warning.
func (c *Context) OnCleanup(fn CleanupFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		c.Log.Warn("cleanup registered after drain, dropped", map[string]any{
			"plugin":    c.Meta.PluginID,
			"requestId": c.Meta.RequestID,
		})
		return
	}
	c.cleanups = append(c.cleanups, fn)
}

// DrainCleanups runs the cleanup stack in LIFO order, awaiting each
// finalizer. Failures and panics are logged and do not stop the drain.
// The stack drains exactly once; later calls are no-ops. Returns the
// number of finalizers that failed.
func (c *Context) DrainCleanups(ctx context.Context) int {
	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		return 0
	}
	c.drained = true
	stack := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	failed := 0
	for i := len(stack) - 1; i >= 0; i-- {
		if err := c.runCleanup(ctx, stack[i]); err != nil {
			failed++
			c.Log.Warn("cleanup failed", map[string]any{
				"plugin":    c.Meta.PluginID,
				"requestId": c.Meta.RequestID,
				"position":  i,
				"error":     err.Error(),
			})
		}
	}
	return failed
}

func (c *Context) runCleanup(ctx context.Context, fn CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errCleanupPanic(r)
		}
	}()
	return fn(ctx)
}
