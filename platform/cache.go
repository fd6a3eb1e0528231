package platform

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cache is a key/value store with TTL expiry and sorted-set primitives.
// The sorted-set operations exist for sliding-window bookkeeping (job
// quota counters); semantics follow the Redis commands of the same name.
type Cache interface {
	// Get returns the value for key. found is false for missing or
	// expired keys.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent. Reports whether the
	// value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr adds delta to the integer value at key and returns the new
	// value. Missing keys start at zero.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Delete(ctx context.Context, key string) error
	// Clear removes every key with the given prefix. An empty prefix
	// clears everything.
	Clear(ctx context.Context, prefix string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is the in-process Cache. Expiry is lazy: entries are
// dropped when read past their deadline.
type MemoryCache struct {
	mu   sync.Mutex
	kv   map[string]cacheEntry
	sets map[string]map[string]float64 // key -> member -> score

	// now is swapped in tests to control expiry.
	now func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		kv:   make(map[string]cacheEntry),
		sets: make(map[string]map[string]float64),
		now:  time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.kv[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(c.now()) {
		delete(c.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kv[key] = c.entry(value, ttl)
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.kv[key]; ok && !e.expired(c.now()) {
		return false, nil
	}
	c.kv[key] = c.entry(value, ttl)
	return true, nil
}

func (c *MemoryCache) Incr(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur int64
	var expiresAt time.Time
	if e, ok := c.kv[key]; ok && !e.expired(c.now()) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: key %q holds a non-integer value: %w", key, err)
		}
		cur = parsed
		expiresAt = e.expiresAt
	}
	cur += delta
	c.kv[key] = cacheEntry{value: strconv.FormatInt(cur, 10), expiresAt: expiresAt}
	return cur, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.kv, key)
	delete(c.sets, key)
	return nil
}

func (c *MemoryCache) Clear(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.kv {
		if strings.HasPrefix(k, prefix) {
			delete(c.kv, k)
		}
	}
	for k := range c.sets {
		if strings.HasPrefix(k, prefix) {
			delete(c.sets, k)
		}
	}
	return nil
}

func (c *MemoryCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]float64)
		c.sets[key] = set
	}
	set[member] = score
	return nil
}

func (c *MemoryCache) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.sets[key]
	type scored struct {
		member string
		score  float64
	}
	matched := make([]scored, 0, len(set))
	for member, score := range set {
		if score >= min && score <= max {
			matched = append(matched, scored{member, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})
	members := make([]string, len(matched))
	for i, m := range matched {
		members[i] = m.member
	}
	return members, nil
}

func (c *MemoryCache) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.sets[key]
	var removed int64
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) ZCard(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return int64(len(c.sets[key])), nil
}

func (c *MemoryCache) entry(value string, ttl time.Duration) cacheEntry {
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

var _ Cache = (*MemoryCache)(nil)
