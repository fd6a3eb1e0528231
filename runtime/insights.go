package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/kilnbox/platform"
)

// Insight thresholds. Insights are debug-level hints, never control
// flow.
const (
	slowPhaseFloor     = 1 * time.Second
	slowPhaseShare     = 0.5
	excessiveLogLines  = 500
	quotaApproachShare = 0.8
	logTailCapacity    = 100
)

// logTail keeps the last lines of one execution's log stream and counts
// everything ever written.
type logTail struct {
	mu    sync.Mutex
	lines []string
	idx   int
	full  bool
	count int64
}

func newLogTail() *logTail {
	return &logTail{lines: make([]string, logTailCapacity)}
}

func (t *logTail) add(level, message string, fields map[string]any) {
	line := level + " " + message
	if len(fields) > 0 {
		line = fmt.Sprintf("%s %v", line, fields)
	}
	t.mu.Lock()
	t.lines[t.idx] = line
	t.idx++
	if t.idx >= len(t.lines) {
		t.idx = 0
		t.full = true
	}
	t.count++
	t.mu.Unlock()
}

// Lines returns the captured tail, oldest first. Nil-safe.
func (t *logTail) Lines() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]string, t.idx)
		copy(out, t.lines[:t.idx])
		return out
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.idx:]...)
	out = append(out, t.lines[:t.idx]...)
	return out
}

// Count returns the total number of lines written. Nil-safe.
func (t *logTail) Count() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// LogRecorder tees execution-scoped entries out of the platform log
// stream. Attribution is by the requestId binding, which both the
// in-process runner and the worker bridge attach to every handler log
// entry, so one recorder serves every backend.
type LogRecorder struct {
	mu    sync.Mutex
	tails map[string]*logTail
}

// NewLogRecorder creates an empty recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{tails: make(map[string]*logTail)}
}

// Begin starts capturing for a request id and returns its tail.
func (r *LogRecorder) Begin(requestID string) *logTail {
	tail := newLogTail()
	r.mu.Lock()
	r.tails[requestID] = tail
	r.mu.Unlock()
	return tail
}

// End stops capturing for a request id. The returned tail from Begin
// stays readable.
func (r *LogRecorder) End(requestID string) {
	r.mu.Lock()
	delete(r.tails, requestID)
	r.mu.Unlock()
}

func (r *LogRecorder) lookup(requestID string) *logTail {
	if requestID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tails[requestID]
}

// Wrap returns a logger that copies matching entries into the recorder
// and forwards everything to inner.
func (r *LogRecorder) Wrap(inner platform.Logger) platform.Logger {
	return &recordingLogger{recorder: r, inner: inner}
}

type recordingLogger struct {
	recorder *LogRecorder
	inner    platform.Logger
	bindings map[string]any
}

func (l *recordingLogger) capture(level, msg string, fields map[string]any) {
	id, _ := fields["requestId"].(string)
	if id == "" {
		id, _ = l.bindings["requestId"].(string)
	}
	if tail := l.recorder.lookup(id); tail != nil {
		tail.add(level, msg, fields)
	}
}

func (l *recordingLogger) Debug(msg string, fields map[string]any) {
	l.capture("DEBUG", msg, fields)
	l.inner.Debug(msg, fields)
}

func (l *recordingLogger) Info(msg string, fields map[string]any) {
	l.capture("INFO", msg, fields)
	l.inner.Info(msg, fields)
}

func (l *recordingLogger) Warn(msg string, fields map[string]any) {
	l.capture("WARN", msg, fields)
	l.inner.Warn(msg, fields)
}

func (l *recordingLogger) Error(msg string, fields map[string]any) {
	l.capture("ERROR", msg, fields)
	l.inner.Error(msg, fields)
}

func (l *recordingLogger) Child(bindings map[string]any) platform.Logger {
	merged := make(map[string]any, len(l.bindings)+len(bindings))
	for k, v := range l.bindings {
		merged[k] = v
	}
	for k, v := range bindings {
		merged[k] = v
	}
	return &recordingLogger{
		recorder: l.recorder,
		inner:    l.inner.Child(bindings),
		bindings: merged,
	}
}

// insightInput is what one finished execution exposes to the insight
// pass.
type insightInput struct {
	// Phases maps pipeline phase names to their durations.
	Phases map[string]time.Duration
	// Elapsed is the full dispatch duration.
	Elapsed time.Duration
	// TimeoutMs is the effective time budget, zero when unbounded.
	TimeoutMs int64
	// LogLines counts handler log output.
	LogLines int64
}

// synthesizeInsights turns raw timing and volume into human-readable
// notes: slow phases, noisy logs, executions brushing their budget.
func synthesizeInsights(in insightInput) []string {
	var notes []string

	for name, d := range in.Phases {
		if d < slowPhaseFloor {
			continue
		}
		share := 0.0
		if in.Elapsed > 0 {
			share = float64(d) / float64(in.Elapsed)
		}
		if share >= slowPhaseShare {
			notes = append(notes, fmt.Sprintf(
				"phase %s took %dms (%.0f%% of the execution)",
				name, d.Milliseconds(), share*100))
		} else {
			notes = append(notes, fmt.Sprintf("phase %s took %dms", name, d.Milliseconds()))
		}
	}

	if in.LogLines > excessiveLogLines {
		notes = append(notes, fmt.Sprintf(
			"handler wrote %d log lines; consider lowering verbosity", in.LogLines))
	}

	if in.TimeoutMs > 0 {
		used := float64(in.Elapsed.Milliseconds()) / float64(in.TimeoutMs)
		if used >= quotaApproachShare && used < 1 {
			notes = append(notes, fmt.Sprintf(
				"execution used %.0f%% of its %dms time budget", used*100, in.TimeoutMs))
		}
	}

	return notes
}
