package platform

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Record is one analytics event bound for a sink.
type Record struct {
	// Event names what happened, dot-separated: "execution.finished",
	// "permission.denied", "job.submitted".
	Event string `json:"event"`
	// Kind is "track" or "identify".
	Kind string `json:"kind"`
	// Source labels the emitting surface (cli, rest, worker).
	Source     string         `json:"source,omitempty"`
	PluginID   string         `json:"pluginId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Record kinds.
const (
	RecordTrack    = "track"
	RecordIdentify = "identify"
)

// Analytics is the handler- and pipeline-facing tracking surface.
// Implementations buffer; Flush pushes buffered records to the sink.
type Analytics interface {
	Track(ctx context.Context, event string, properties map[string]any) error
	Identify(ctx context.Context, id string, traits map[string]any) error
	Flush(ctx context.Context) error
	// Source labels subsequent records with the emitting surface.
	Source() string
	SetSource(source string)
}

// Sink persists analytics record batches. Order within a batch is
// preserved by implementations.
type Sink interface {
	WriteRecords(ctx context.Context, records []*Record) error
	Close() error
}

// IsDroppable reports whether an event may be shed under buffer
// pressure. Execution lifecycle, permission, and job events are never
// dropped; diagnostic insight events are.
func IsDroppable(event string) bool {
	return strings.HasPrefix(event, "insight.")
}

// NopAnalytics swallows everything. The "none" analytics backend.
type NopAnalytics struct{}

func (NopAnalytics) Track(context.Context, string, map[string]any) error { return nil }

func (NopAnalytics) Identify(context.Context, string, map[string]any) error { return nil }

func (NopAnalytics) Flush(context.Context) error { return nil }

func (NopAnalytics) Source() string { return "" }

func (NopAnalytics) SetSource(string) {}

var _ Analytics = NopAnalytics{}

// StubSink collects records in memory for test assertions.
type StubSink struct {
	mu sync.Mutex

	// Records holds every record written, in write order.
	Records []*Record
	// Batches counts WriteRecords calls.
	Batches int64
	// Closed reports whether Close was called.
	Closed bool

	// ErrOnWrite, when non-nil, is returned by WriteRecords.
	ErrOnWrite error
}

// NewStubSink creates an empty stub sink.
func NewStubSink() *StubSink {
	return &StubSink{Records: make([]*Record, 0)}
}

func (s *StubSink) WriteRecords(_ context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrOnWrite != nil {
		return s.ErrOnWrite
	}
	s.Batches++
	s.Records = append(s.Records, records...)
	return nil
}

func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true
	return nil
}

// Events returns the event names written so far, in order.
func (s *StubSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.Records))
	for i, r := range s.Records {
		names[i] = r.Event
	}
	return names
}

var _ Sink = (*StubSink)(nil)
