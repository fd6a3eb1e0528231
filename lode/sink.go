package lode

import (
	"context"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kilnbox/platform"
)

// Sink persists analytics batches to a lode dataset. The emitter above
// it owns buffering and flush cadence, so every WriteRecords call maps
// to exactly one dataset write.
type Sink struct {
	dataset lode.Dataset
	cfg     Config
}

// NewSink creates a sink over a dataset built from the given store
// factory.
func NewSink(cfg Config, factory lode.StoreFactory) (*Sink, error) {
	cfg = cfg.withDefaults()
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &Sink{dataset: ds, cfg: cfg}, nil
}

// NewFSSink creates a sink backed by filesystem storage rooted at root.
func NewFSSink(cfg Config, root string) (*Sink, error) {
	return NewSink(cfg, lode.NewFSFactory(root))
}

// WriteRecords writes a batch as one dataset write, preserving batch
// order. Empty batches are a no-op.
func (s *Sink) WriteRecords(ctx context.Context, records []*platform.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, toRecordMap(r, s.cfg.Source))
	}
	if _, err := s.dataset.Write(ctx, rows, lode.Metadata{}); err != nil {
		return WrapWriteError(err, s.cfg.Dataset)
	}
	return nil
}

// Close releases sink resources. Datasets hold no open handles in the
// current lode API.
func (s *Sink) Close() error { return nil }

// Dataset exposes the underlying dataset for read-side queries against
// the same store the sink writes to.
func (s *Sink) Dataset() lode.Dataset { return s.dataset }

var _ platform.Sink = (*Sink)(nil)
