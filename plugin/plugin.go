// Package plugin defines the handler-facing SDK of the platform: the
// handler contract, the execution context with its cleanup stack, the
// sandboxed runtime surface, and the registry that maps plugin ids and
// handler references to registered handlers.
//
// Handlers run under three backends (in-process, worker pool, one-shot
// subprocess) but always see the same Context shape. The runtime
// package builds contexts and invokes handlers; this package owns what
// handlers can touch.
package plugin

import (
	"encoding/json"
)

// Handler is the native handler contract. Execute receives the
// execution context and the opaque input; the returned value is the
// handler's data unless it is a *Outcome, which passes through with
// its exit code.
type Handler interface {
	Execute(ctx *Context, input json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, input json.RawMessage) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx *Context, input json.RawMessage) (any, error) {
	return f(ctx, input)
}

// Outcome is a handler return value carrying process-level shape. A
// handler that returns *Outcome controls the host exit code; any other
// return value is treated as raw data with exit code 0.
type Outcome struct {
	ExitCode int            `json:"exitCode"`
	Result   any            `json:"result,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}
