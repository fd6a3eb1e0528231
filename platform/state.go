package platform

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// State is namespaced persistent key/value storage. Namespace access is
// gated by StatePermissions at the api layer, not here.
type State interface {
	Get(ctx context.Context, namespace, key string) (value json.RawMessage, found bool, err error)
	Set(ctx context.Context, namespace, key string, value json.RawMessage) error
	Delete(ctx context.Context, namespace, key string) error
	// List returns the keys in namespace with the given prefix, sorted.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// MemoryState keeps state in process memory. Contents vanish on
// restart; use boltstate for durability.
type MemoryState struct {
	mu         sync.Mutex
	namespaces map[string]map[string]json.RawMessage
}

// NewMemoryState creates an empty in-memory state store.
func NewMemoryState() *MemoryState {
	return &MemoryState{namespaces: make(map[string]map[string]json.RawMessage)}
}

func (s *MemoryState) Get(_ context.Context, namespace, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.namespaces[namespace][key]
	if !ok {
		return nil, false, nil
	}
	// Copy so callers cannot mutate stored bytes.
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryState) Set(_ context.Context, namespace, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		s.namespaces[namespace] = ns
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

func (s *MemoryState) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces[namespace], key)
	return nil
}

func (s *MemoryState) List(_ context.Context, namespace, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespaces[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ State = (*MemoryState)(nil)
