// Package reader builds the read-side view models for the kilnbox
// CLI. Commands never touch runtime internals for display: list and
// show surfaces go through this package, which loads failure
// snapshots, trace records, and registry contents into flat structs
// the renderer and the TUI share.
package reader

import (
	"time"

	"github.com/pithecene-io/kilnbox/fault"
)

// PluginItem is one registry entry in `kilnbox plugins`.
type PluginItem struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	Trusted      bool   `json:"trusted"`
	Handlers     int    `json:"handlers"`
	Warmup       int    `json:"warmup"`
	Capabilities string `json:"capabilities,omitempty"`
}

// HandlerItem is one handler row in `kilnbox plugins --handlers`.
type HandlerItem struct {
	PluginID string `json:"plugin_id"`
	Handler  string `json:"handler"`
	File     string `json:"file"`
	Route    string `json:"route,omitempty"`
	Command  string `json:"command,omitempty"`
	Warmup   bool   `json:"warmup,omitempty"`
}

// SnapshotItem is one failure snapshot in `kilnbox snapshots list`.
type SnapshotItem struct {
	File       string    `json:"file"`
	CapturedAt time.Time `json:"captured_at"`
	PluginID   string    `json:"plugin_id"`
	Handler    string    `json:"handler,omitempty"`
	RequestID  string    `json:"request_id"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
}

// SnapshotDetail is the full snapshot view for show and TUI.
type SnapshotDetail struct {
	Path        string          `json:"path"`
	CapturedAt  time.Time       `json:"captured_at"`
	Host        string          `json:"host,omitempty"`
	PluginID    string          `json:"plugin_id"`
	Version     string          `json:"version,omitempty"`
	Handler     string          `json:"handler,omitempty"`
	RequestID   string          `json:"request_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Input       string          `json:"input,omitempty"`
	Error       *fault.Envelope `json:"error"`
	Env         int             `json:"env_keys"`
	Logs        []string        `json:"logs,omitempty"`
}

// TraceItem is one persisted invoke chain in `kilnbox trace <dir>`.
type TraceItem struct {
	File       string    `json:"file"`
	TraceID    string    `json:"trace_id"`
	Spans      int       `json:"spans"`
	Root       string    `json:"root"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Failed     int       `json:"failed"`
}

// SpanItem is one span row inside a chain view. Indent carries the
// depth for tree rendering.
type SpanItem struct {
	SpanID     string    `json:"span_id"`
	Parent     string    `json:"parent,omitempty"`
	PluginID   string    `json:"plugin_id"`
	Handler    string    `json:"handler"`
	Depth      int       `json:"depth"`
	Hops       int       `json:"hops"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	ErrorCode  string    `json:"error_code,omitempty"`
}

// TraceDetail is the full chain view for show and TUI.
type TraceDetail struct {
	Path    string     `json:"path"`
	TraceID string     `json:"trace_id"`
	Spans   []SpanItem `json:"spans"`
}

// StatsSummary aggregates analytics records for `kilnbox stats`.
type StatsSummary struct {
	Records  int64            `json:"records"`
	ByEvent  map[string]int64 `json:"by_event,omitempty"`
	ByPlugin map[string]int64 `json:"by_plugin,omitempty"`
	BySource map[string]int64 `json:"by_source,omitempty"`
	First    time.Time        `json:"first,omitempty"`
	Last     time.Time        `json:"last,omitempty"`
}
