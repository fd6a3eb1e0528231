package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
)

// ErrBufferFull is returned when the buffer is full and the record is
// not droppable.
var ErrBufferFull = errors.New("analytics buffer full: cannot accept non-droppable record")

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	// MaxBufferRecords bounds the buffer by record count.
	MaxBufferRecords int
	// MaxBufferBytes bounds the buffer by estimated size.
	MaxBufferBytes int64
	// FlushCount triggers a flush once the buffer holds N records.
	// Zero disables count-based flushing.
	FlushCount int
	// FlushInterval triggers a periodic flush. Zero disables the
	// interval goroutine.
	FlushInterval time.Duration
	// Source labels emitted records (cli, rest, worker).
	Source string

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// DefaultEmitterConfig returns the buffering defaults.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		MaxBufferRecords: 1000,
		MaxBufferBytes:   4 * 1024 * 1024,
		FlushCount:       100,
		FlushInterval:    10 * time.Second,
	}
}

// Emitter is the buffered Analytics implementation. Records accumulate
// in a bounded buffer and are written to the sink in batches, on a
// count threshold, on an interval, or on Flush.
//
// Drop rules when the buffer is full: a droppable incoming record is
// dropped; a non-droppable one evicts the oldest droppable record; if
// nothing can be evicted, Track fails with ErrBufferFull.
type Emitter struct {
	sink   Sink
	config EmitterConfig
	logger *log.Logger
	coll   *metrics.Collector

	mu          sync.Mutex
	buffer      []*Record
	bufferBytes int64
	source      string
	dropped     int64
	persisted   int64
	flushes     int64
	failures    int64

	// flushMu serializes sink writes so interval and count triggers
	// never interleave batches.
	flushMu sync.Mutex

	stopCh  chan struct{}
	stopped bool
}

// NewEmitter creates a buffered emitter over sink. Zero-valued config
// fields fall back to DefaultEmitterConfig.
func NewEmitter(sink Sink, config EmitterConfig) *Emitter {
	def := DefaultEmitterConfig()
	if config.MaxBufferRecords <= 0 {
		config.MaxBufferRecords = def.MaxBufferRecords
	}
	if config.MaxBufferBytes <= 0 {
		config.MaxBufferBytes = def.MaxBufferBytes
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}

	e := &Emitter{
		sink:   sink,
		config: config,
		logger: config.Logger,
		coll:   config.Metrics,
		buffer: make([]*Record, 0, 128),
		source: config.Source,
		stopCh: make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		go e.intervalLoop()
	}

	return e
}

func (e *Emitter) Track(ctx context.Context, event string, properties map[string]any) error {
	return e.ingest(ctx, &Record{
		Event:      event,
		Kind:       RecordTrack,
		Timestamp:  time.Now().UTC(),
		Properties: properties,
	})
}

func (e *Emitter) Identify(ctx context.Context, id string, traits map[string]any) error {
	props := map[string]any{"id": id}
	for k, v := range traits {
		props[k] = v
	}
	return e.ingest(ctx, &Record{
		Event:      "identify",
		Kind:       RecordIdentify,
		Timestamp:  time.Now().UTC(),
		Properties: props,
	})
}

func (e *Emitter) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *Emitter) SetSource(source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = source
}

func (e *Emitter) ingest(ctx context.Context, rec *Record) error {
	e.mu.Lock()

	rec.Source = e.source
	if plugin, ok := rec.Properties["pluginId"].(string); ok {
		rec.PluginID = plugin
	}
	if reqID, ok := rec.Properties["requestId"].(string); ok {
		rec.RequestID = reqID
	}
	if tenant, ok := rec.Properties["tenantId"].(string); ok {
		rec.TenantID = tenant
	}

	size := estimateRecordSize(rec)

	if !e.hasRoom(size) {
		if IsDroppable(rec.Event) {
			e.dropped++
			e.mu.Unlock()
			e.logger.Debug("analytics record dropped", map[string]any{
				"event":  rec.Event,
				"reason": "buffer_full",
			})
			return nil
		}
		if !e.evictOldestDroppable() || !e.hasRoom(size) {
			e.mu.Unlock()
			return ErrBufferFull
		}
	}

	e.buffer = append(e.buffer, rec)
	e.bufferBytes += size
	shouldFlush := e.config.FlushCount > 0 && len(e.buffer) >= e.config.FlushCount
	e.mu.Unlock()

	if shouldFlush {
		return e.flush(ctx)
	}
	return nil
}

func (e *Emitter) hasRoom(size int64) bool {
	if len(e.buffer) >= e.config.MaxBufferRecords {
		return false
	}
	return e.bufferBytes+size <= e.config.MaxBufferBytes
}

// evictOldestDroppable removes the oldest droppable record. Caller
// holds mu.
func (e *Emitter) evictOldestDroppable() bool {
	for i, rec := range e.buffer {
		if IsDroppable(rec.Event) {
			e.bufferBytes -= estimateRecordSize(rec)
			e.buffer = append(e.buffer[:i], e.buffer[i+1:]...)
			e.dropped++
			return true
		}
	}
	return false
}

// Flush writes every buffered record to the sink. On failure the batch
// is restored ahead of newer records, so retries preserve ordering.
func (e *Emitter) Flush(ctx context.Context) error {
	return e.flush(ctx)
}

func (e *Emitter) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.flushes++
	batch := e.buffer
	e.buffer = make([]*Record, 0, 128)
	e.bufferBytes = 0
	e.mu.Unlock()

	if err := e.sink.WriteRecords(ctx, batch); err != nil {
		e.mu.Lock()
		e.failures++
		e.buffer = append(batch, e.buffer...)
		e.bufferBytes = 0
		for _, rec := range e.buffer {
			e.bufferBytes += estimateRecordSize(rec)
		}
		e.mu.Unlock()
		e.coll.IncAnalyticsFlushFailure()
		e.logger.Warn("analytics flush failed", map[string]any{
			"records": len(batch),
			"error":   err.Error(),
		})
		return err
	}

	e.mu.Lock()
	e.persisted += int64(len(batch))
	e.mu.Unlock()
	e.coll.IncAnalyticsFlushSuccess()
	return nil
}

func (e *Emitter) intervalLoop() {
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = e.flush(ctx)
			cancel()
		}
	}
}

// Close stops the interval goroutine, flushes remaining records, and
// closes the sink.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
	e.mu.Unlock()

	flushErr := e.flush(context.Background())
	closeErr := e.sink.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// EmitterStats is a snapshot of emitter counters.
type EmitterStats struct {
	Buffered  int
	Dropped   int64
	Persisted int64
	Flushes   int64
	Failures  int64
}

// Stats returns a consistent snapshot of the emitter counters.
func (e *Emitter) Stats() EmitterStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EmitterStats{
		Buffered:  len(e.buffer),
		Dropped:   e.dropped,
		Persisted: e.persisted,
		Flushes:   e.flushes,
		Failures:  e.failures,
	}
}

// estimateRecordSize approximates the serialized size of a record.
// Exact byte accounting is not worth a marshal per Track.
func estimateRecordSize(rec *Record) int64 {
	size := int64(64)
	size += int64(len(rec.Event) + len(rec.Source) + len(rec.PluginID) + len(rec.RequestID) + len(rec.TenantID))
	for k, v := range rec.Properties {
		size += int64(len(k)) + 16
		if s, ok := v.(string); ok {
			size += int64(len(s))
		}
	}
	return size
}

var _ Analytics = (*Emitter)(nil)
