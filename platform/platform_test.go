package platform

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestNew_FillsDefaults(t *testing.T) {
	p := New(Options{})

	if p.Logger == nil || p.Cache == nil || p.State == nil || p.Events == nil ||
		p.Storage == nil || p.Docs == nil || p.Vectors == nil || p.Analytics == nil ||
		p.LLM == nil || p.Embeddings == nil || p.SQL == nil {
		t.Fatal("New left a nil service slot")
	}
	if !p.Local() {
		t.Error("default platform not local")
	}

	if _, err := p.LLM.Complete(t.Context(), CompletionRequest{Prompt: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured LLM error = %v, want ErrNotConfigured", err)
	}
	if _, err := p.SQL.Query(t.Context(), "select 1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured SQL error = %v, want ErrNotConfigured", err)
	}
}

func TestNew_RemoteClearsLocal(t *testing.T) {
	p := New(Options{Remote: true})
	if p.Local() {
		t.Error("remote platform reports local")
	}
}

func TestWithLogger_ShallowCopy(t *testing.T) {
	p := New(Options{})
	bound := p.WithLogger(p.Logger.Child(map[string]any{"plugin": "p1"}))

	if bound == p {
		t.Fatal("WithLogger returned the same platform")
	}
	if bound.Cache != p.Cache {
		t.Error("WithLogger did not share services")
	}
}

func TestMemoryState_NamespaceIsolation(t *testing.T) {
	s := NewMemoryState()
	ctx := t.Context()

	if err := s.Set(ctx, "ns1", "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, found, _ := s.Get(ctx, "ns2", "k"); found {
		t.Error("key leaked across namespaces")
	}

	v, found, err := s.Get(ctx, "ns1", "k")
	if err != nil || !found {
		t.Fatalf("Get = (%s, %v, %v), want found", v, found, err)
	}
	if string(v) != "1" {
		t.Errorf("value = %s, want 1", v)
	}
}

func TestMemoryState_ListSortedByPrefix(t *testing.T) {
	s := NewMemoryState()
	ctx := t.Context()

	for _, k := range []string{"b", "a:2", "a:1", "c"} {
		if err := s.Set(ctx, "ns", k, json.RawMessage(`true`)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	keys, err := s.List(ctx, "ns", "a:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a:1" || keys[1] != "a:2" {
		t.Errorf("List = %v, want [a:1 a:2]", keys)
	}
}

func TestMemoryEvents_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEvents(nil)

	var mu sync.Mutex
	var got []string
	unsub, err := bus.Subscribe("ch", func(payload json.RawMessage) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(t.Context(), "ch", json.RawMessage(`"one"`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(t.Context(), "other", json.RawMessage(`"ignored"`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	unsub()
	unsub() // double unsubscribe tolerated
	if err := bus.Publish(t.Context(), "ch", json.RawMessage(`"two"`)); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != `"one"` {
		t.Errorf("deliveries = %v, want just \"one\"", got)
	}
}

func TestMemoryEvents_PanickingSubscriber(t *testing.T) {
	bus := NewMemoryEvents(nil)

	_, _ = bus.Subscribe("ch", func(json.RawMessage) { panic("boom") })
	var delivered bool
	_, _ = bus.Subscribe("ch", func(json.RawMessage) { delivered = true })

	if err := bus.Publish(t.Context(), "ch", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !delivered {
		t.Error("a panicking subscriber stopped delivery")
	}
}

func TestMemoryVectors_SearchRanksBySimilarity(t *testing.T) {
	v := NewMemoryVectors()
	ctx := t.Context()

	err := v.Upsert(ctx, []VectorItem{
		{ID: "x", Vector: []float32{1, 0}, Metadata: map[string]any{"kind": "a"}},
		{ID: "y", Vector: []float32{0, 1}, Metadata: map[string]any{"kind": "b"}},
		{ID: "z", Vector: []float32{0.9, 0.1}, Metadata: map[string]any{"kind": "a"}},
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	matches, err := v.Search(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "x" || matches[1].ID != "z" {
		t.Errorf("Search order = %v, want x then z", matchIDs(matches))
	}

	filtered, err := v.Search(ctx, []float32{1, 0}, 10, map[string]any{"kind": "b"})
	if err != nil {
		t.Fatalf("filtered Search failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "y" {
		t.Errorf("filtered Search = %v, want just y", matchIDs(filtered))
	}

	if n, _ := v.Count(ctx); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	if err := v.Delete(ctx, []string{"x", "y"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n, _ := v.Count(ctx); n != 1 {
		t.Errorf("Count after delete = %d, want 1", n)
	}
}

func matchIDs(matches []VectorMatch) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return ids
}

func TestMemoryDocs_QueryFilterAndLimit(t *testing.T) {
	d := NewMemoryDocs()
	ctx := t.Context()

	docs := map[string]string{
		"1": `{"status":"open","n":1}`,
		"2": `{"status":"done","n":2}`,
		"3": `{"status":"open","n":3}`,
	}
	for id, doc := range docs {
		if err := d.Put(ctx, "tasks", id, json.RawMessage(doc)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	open, err := d.Query(ctx, "tasks", map[string]any{"status": "open"}, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != "1" || open[1].ID != "3" {
		t.Errorf("Query = %v docs, want ids 1 and 3", len(open))
	}

	limited, err := d.Query(ctx, "tasks", nil, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited Query = %d docs, want 2", len(limited))
	}
}
