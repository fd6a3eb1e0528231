package lode

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kilnbox/platform"
)

// sharedFactory returns a StoreFactory that always returns the given
// store, so write and read datasets share the same in-memory state.
func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

// failingStore is a lode.Store that returns configurable errors.
type failingStore struct {
	PutErr error

	PutCalls int
	PutPaths []string
}

func (s *failingStore) Put(_ context.Context, path string, _ io.Reader) error {
	s.PutCalls++
	s.PutPaths = append(s.PutPaths, path)
	return s.PutErr
}

func (s *failingStore) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) Exists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *failingStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) Delete(_ context.Context, _ string) error {
	return errors.New("not implemented")
}

func (s *failingStore) ReadRange(_ context.Context, _ string, _, _ int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) ReaderAt(_ context.Context, _ string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*failingStore)(nil)

func TestSink_WriteReadRoundTrip(t *testing.T) {
	store := lode.NewMemory()
	factory := sharedFactory(store)

	sink, err := NewSink(Config{Dataset: "kilnbox", Source: "worker"}, factory)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	records := []*platform.Record{
		{
			Event:     "execution.finished",
			Kind:      platform.RecordTrack,
			PluginID:  "demo-plugin",
			RequestID: "req-1",
			Timestamp: ts,
			Properties: map[string]any{
				"durationMs": 120,
			},
		},
		{
			Event:     "job.submitted",
			Kind:      platform.RecordTrack,
			Source:    "rest",
			Timestamp: ts,
		},
	}
	if err := sink.WriteRecords(t.Context(), records); err != nil {
		t.Fatalf("WriteRecords failed: %v", err)
	}

	ds, err := NewDataset("kilnbox", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	latest, err := ds.Latest(t.Context())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	data, err := ds.Read(t.Context(), latest.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("Read returned %d items, want 2", len(data))
	}

	// The two records land in different partitions, so read order is
	// not the write order. Index by event name.
	byEvent := make(map[string]map[string]any)
	for _, item := range data {
		record, ok := item.(map[string]any)
		if !ok {
			t.Fatalf("record type = %T, want map[string]any", item)
		}
		byEvent[toString(record["event"])] = record
	}

	finished := byEvent["execution.finished"]
	if finished == nil {
		t.Fatal("execution.finished record not found")
	}
	if finished["record_kind"] != RecordKindAnalytics {
		t.Errorf("record_kind = %v, want %q", finished["record_kind"], RecordKindAnalytics)
	}
	if finished["source"] != "worker" {
		t.Errorf("source = %v, want worker (sink fallback)", finished["source"])
	}
	if finished["day"] != "2026-03-01" {
		t.Errorf("day = %v, want 2026-03-01", finished["day"])
	}
	if finished["plugin"] != "demo-plugin" {
		t.Errorf("plugin = %v, want demo-plugin", finished["plugin"])
	}
	if finished["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", finished["request_id"])
	}

	submitted := byEvent["job.submitted"]
	if submitted == nil {
		t.Fatal("job.submitted record not found")
	}
	if submitted["source"] != "rest" {
		t.Errorf("source = %v, want rest (record's own source wins)", submitted["source"])
	}
	if submitted["plugin"] != "none" {
		t.Errorf("plugin = %v, want none for pluginless records", submitted["plugin"])
	}
}

func TestSink_EmptyBatchIsNoOp(t *testing.T) {
	store := &failingStore{PutErr: errors.New("should not be called")}
	sink, err := NewSink(Config{}, sharedFactory(store))
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	if err := sink.WriteRecords(t.Context(), nil); err != nil {
		t.Fatalf("empty batch returned error: %v", err)
	}
	if store.PutCalls != 0 {
		t.Errorf("empty batch touched the store: %d put calls", store.PutCalls)
	}
}

func TestSink_WriteFailureClassified(t *testing.T) {
	store := &failingStore{PutErr: errors.New("write events.jsonl: no space left on device")}
	sink, err := NewSink(Config{Source: "cli"}, sharedFactory(store))
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	records := []*platform.Record{
		{Event: "execution.started", Kind: platform.RecordTrack, Timestamp: time.Now()},
	}
	err = sink.WriteRecords(t.Context(), records)
	if err == nil {
		t.Fatal("expected write error, got nil")
	}
	if !errors.Is(err, ErrDiskFull) {
		t.Errorf("expected errors.Is(err, ErrDiskFull), got: %v", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if storageErr.Op != "write" {
		t.Errorf("Op = %q, want write", storageErr.Op)
	}
}

func TestSink_DefaultsApplied(t *testing.T) {
	sink, err := NewSink(Config{}, sharedFactory(lode.NewMemory()))
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	if sink.cfg.Dataset != DefaultDataset {
		t.Errorf("dataset = %q, want %q", sink.cfg.Dataset, DefaultDataset)
	}
	if sink.cfg.Source != "cli" {
		t.Errorf("source = %q, want cli", sink.cfg.Source)
	}
	if sink.Dataset() == nil {
		t.Error("Dataset() returned nil")
	}
}
