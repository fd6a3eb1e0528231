package platform

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Document is one entry in a document collection.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Docs is a document store: collections of JSON documents addressed by
// id, with equality-filter queries.
type Docs interface {
	Get(ctx context.Context, collection, id string) (doc json.RawMessage, found bool, err error)
	Put(ctx context.Context, collection, id string, doc json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
	// Query returns documents whose top-level fields equal every entry
	// in filter. A nil filter matches everything. limit <= 0 means no
	// limit. Results are ordered by id.
	Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]Document, error)
}

// MemoryDocs keeps document collections in process memory.
type MemoryDocs struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
}

// NewMemoryDocs creates an empty in-memory document store.
func NewMemoryDocs() *MemoryDocs {
	return &MemoryDocs{collections: make(map[string]map[string]json.RawMessage)}
}

func (d *MemoryDocs) Get(_ context.Context, collection, id string) (json.RawMessage, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, ok := d.collections[collection][id]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, true, nil
}

func (d *MemoryDocs) Put(_ context.Context, collection, id string, doc json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	coll, ok := d.collections[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		d.collections[collection] = coll
	}
	stored := make(json.RawMessage, len(doc))
	copy(stored, doc)
	coll[id] = stored
	return nil
}

func (d *MemoryDocs) Delete(_ context.Context, collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.collections[collection], id)
	return nil
}

func (d *MemoryDocs) Query(_ context.Context, collection string, filter map[string]any, limit int) ([]Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	coll := d.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Document, 0)
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		doc := coll[id]
		if !docMatches(doc, filter) {
			continue
		}
		cp := make(json.RawMessage, len(doc))
		copy(cp, doc)
		out = append(out, Document{ID: id, Data: cp})
	}
	return out, nil
}

func docMatches(doc json.RawMessage, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	for key, want := range filter {
		got, ok := fields[key]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares values after a JSON round-trip so 1 == 1.0 and
// typed filter values match decoded document fields.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

var _ Docs = (*MemoryDocs)(nil)
