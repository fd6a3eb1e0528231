package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/kilnbox/iox"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/types"
)

// TraceFileExt is the trace record file extension.
const TraceFileExt = ".trace"

// TraceStore buffers invoke-chain spans in memory and persists each
// chain as one msgpack file, <dir>/<traceId>.trace, when the chain
// ends. A nil store records nothing.
type TraceStore struct {
	dir    string
	logger *log.Logger

	mu      sync.Mutex
	pending map[string][]types.TraceSpan
}

// NewTraceStore builds a store rooted at dir. Empty dir disables
// persistence and returns nil, which every method tolerates.
func NewTraceStore(dir string, logger *log.Logger) *TraceStore {
	if dir == "" {
		return nil
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &TraceStore{
		dir:     dir,
		logger:  logger,
		pending: make(map[string][]types.TraceSpan),
	}
}

// Record buffers one finished span under its trace id.
func (t *TraceStore) Record(span types.TraceSpan) {
	if t == nil || span.TraceID == "" {
		return
	}
	t.mu.Lock()
	t.pending[span.TraceID] = append(t.pending[span.TraceID], span)
	t.mu.Unlock()
}

// Flush writes the buffered spans of one trace and clears them.
// Flushing an unknown trace is a no-op.
func (t *TraceStore) Flush(traceID string) error {
	if t == nil || traceID == "" {
		return nil
	}
	t.mu.Lock()
	spans := t.pending[traceID]
	delete(t.pending, traceID)
	t.mu.Unlock()
	if len(spans) == 0 {
		return nil
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}
	data, err := msgpack.Marshal(spans)
	if err != nil {
		return fmt.Errorf("failed to encode trace %s: %w", traceID, err)
	}
	path := filepath.Join(t.dir, sanitizeFileComponent(traceID)+TraceFileExt)
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	t.logger.Debug("trace persisted", map[string]any{"traceId": traceID, "spans": len(spans)})
	return nil
}

// Pending reports buffered span counts by trace id, for tests and
// diagnostics.
func (t *TraceStore) Pending() map[string]int {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.pending))
	for id, spans := range t.pending {
		out[id] = len(spans)
	}
	return out
}

// LoadTrace reads one persisted trace file back into spans.
func LoadTrace(path string) ([]types.TraceSpan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spans []types.TraceSpan
	if err := msgpack.Unmarshal(data, &spans); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", path, err)
	}
	return spans, nil
}
