package types

import (
	"time"
)

// Chain budget defaults. A chain is the transitive closure of
// cross-plugin invocations rooted at a host request.
const (
	// DefaultMaxDepth bounds nesting (A invokes B invokes C ...).
	DefaultMaxDepth = 4
	// DefaultMaxHops bounds total invocations across the chain.
	DefaultMaxHops = 8
)

// ChainState is the mutable part of a call chain: identity for tracing
// plus the remaining resource budgets. Copied, not shared, between
// parent and child.
type ChainState struct {
	// TraceID correlates every span of the chain.
	TraceID string `json:"traceId" msgpack:"trace_id"`
	// SpanID identifies the current execution.
	SpanID string `json:"spanId" msgpack:"span_id"`
	// ParentSpanID is the caller's span. Empty at the root.
	ParentSpanID string `json:"parentSpanId,omitempty" msgpack:"parent_span_id,omitempty"`
	// Depth is the nesting level, 0 at the root.
	Depth int `json:"depth" msgpack:"depth"`
	// Hops counts invocations consumed across the whole chain.
	Hops int `json:"hops" msgpack:"hops"`
	// Deadline is the chain-wide time budget. Zero means unbounded.
	Deadline time.Time `json:"deadline,omitempty" msgpack:"deadline,omitempty"`
	// Path records the plugin ids traversed, root first.
	Path []string `json:"path,omitempty" msgpack:"path,omitempty"`
}

// Remaining returns the chain time budget left, or zero duration when
// the chain is unbounded.
func (c *ChainState) Remaining(now time.Time) time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	rem := c.Deadline.Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// Child derives the chain state for a nested invocation: depth and hops
// advance, the deadline and trace id carry over, and the parent span
// becomes the caller's span.
func (c *ChainState) Child(spanID, pluginID string) ChainState {
	path := make([]string, 0, len(c.Path)+1)
	path = append(path, c.Path...)
	path = append(path, pluginID)
	return ChainState{
		TraceID:      c.TraceID,
		SpanID:       spanID,
		ParentSpanID: c.SpanID,
		Depth:        c.Depth + 1,
		Hops:         c.Hops + 1,
		Deadline:     c.Deadline,
		Path:         path,
	}
}

// TraceSpan is one persisted span of an invoke chain. Spans are written
// as msgpack records at chain end for offline visualization.
type TraceSpan struct {
	TraceID      string `msgpack:"trace_id" json:"traceId"`
	SpanID       string `msgpack:"span_id" json:"spanId"`
	ParentSpanID string `msgpack:"parent_span_id,omitempty" json:"parentSpanId,omitempty"`
	// RequestID correlates the span with host logs.
	RequestID string `msgpack:"request_id" json:"requestId"`
	// PluginID/Handler identify what ran.
	PluginID string `msgpack:"plugin_id" json:"pluginId"`
	Handler  string `msgpack:"handler" json:"handler"`
	// Depth/Hops are the budgets at span start.
	Depth int `msgpack:"depth" json:"depth"`
	Hops  int `msgpack:"hops" json:"hops"`
	// StartedAt/DurationMs time the span.
	StartedAt  time.Time `msgpack:"started_at" json:"startedAt"`
	DurationMs int64     `msgpack:"duration_ms" json:"durationMs"`
	// OK and ErrorCode record the outcome.
	OK        bool   `msgpack:"ok" json:"ok"`
	ErrorCode string `msgpack:"error_code,omitempty" json:"errorCode,omitempty"`
}
