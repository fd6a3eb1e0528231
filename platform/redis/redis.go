// Package redis backs the platform cache with Redis.
//
// Keys are namespaced under a configurable prefix so multiple kilnbox
// instances can share one Redis without collisions. Sorted-set
// operations map one-to-one onto the Redis commands.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/kilnbox/platform"
)

// DefaultKeyPrefix namespaces kilnbox keys.
const DefaultKeyPrefix = "kb:"

// DefaultTimeout is the default per-operation timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis cache.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// KeyPrefix is prepended to every key (default "kb:").
	KeyPrefix string
	// Timeout is the per-operation timeout (default 5s).
	Timeout time.Duration
}

// Cache implements platform.Cache over a Redis client.
type Cache struct {
	client  *goredis.Client
	prefix  string
	timeout time.Duration
}

// New creates a Redis cache from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis cache requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return NewFromClient(goredis.NewClient(opts), cfg), nil
}

// NewFromClient wraps an existing client. The caller keeps ownership
// only until Close; Close closes the client.
func NewFromClient(client *goredis.Client, cfg Config) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, timeout: cfg.Timeout}
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	value, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.op(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), value, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	stored, err := c.client.SetNX(ctx, c.key(key), value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return stored, nil
}

func (c *Cache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	n, err := c.client.IncrBy(ctx, c.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: incrby %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.op(ctx)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

// Clear removes every key under prefix with SCAN + DEL batches, never
// KEYS, so production instances stay responsive.
func (c *Cache) Clear(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, 4*c.timeout)
	defer cancel()

	match := c.key(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return fmt.Errorf("redis: scan %s: %w", match, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis: del batch: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := c.op(ctx)
	defer cancel()

	if err := c.client.ZAdd(ctx, c.key(key), goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis: zadd %s: %w", key, err)
	}
	return nil
}

func (c *Cache) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	members, err := c.client.ZRangeByScore(ctx, c.key(key), &goredis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (c *Cache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	removed, err := c.client.ZRemRangeByScore(ctx, c.key(key), formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: zremrangebyscore %s: %w", key, err)
	}
	return removed, nil
}

func (c *Cache) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()

	n, err := c.client.ZCard(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: zcard %s: %w", key, err)
	}
	return n, nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// normalizeTTL maps "no expiry" onto redis's 0 duration.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ platform.Cache = (*Cache)(nil)
