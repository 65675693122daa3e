package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the operational KV surface of the facade.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	// IdempotencyCheck is set-if-absent with a 24h TTL; it returns true iff
	// the key was already present.
	IdempotencyCheck(ctx context.Context, key string) (bool, error)
}

const idempotencyTTL = 24 * time.Hour

// RedisCache backs the operational cache with Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

// IdempotencyCheck implements Cache.
func (c *RedisCache) IdempotencyCheck(ctx context.Context, key string) (bool, error) {
	created, err := c.client.SetNX(ctx, "idem:"+key, "1", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	return !created, nil
}

// MemoryCache is the in-process fallback used when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value   string
	expires time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry)}
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{value: value, expires: time.Now().Add(ttl)}
	c.sweepLocked()
	return nil
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// IdempotencyCheck implements Cache.
func (c *MemoryCache) IdempotencyCheck(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := "idem:" + key
	entry, ok := c.entries[k]
	if ok && time.Now().Before(entry.expires) {
		return true, nil
	}
	c.entries[k] = memoryCacheEntry{value: "1", expires: time.Now().Add(idempotencyTTL)}
	return false, nil
}

func (c *MemoryCache) sweepLocked() {
	if len(c.entries) < 4096 {
		return
	}
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
}

// OpenCache connects to Redis when a URL is configured, falling back to the
// in-process cache when the URL is empty or the connection cannot be made.
func OpenCache(ctx context.Context, redisURL string, logger *slog.Logger) Cache {
	if redisURL == "" {
		logger.Info("No Redis configured, using in-process cache")
		return NewMemoryCache()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Invalid Redis URL, using in-process cache", "error", err)
		return NewMemoryCache()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, using in-process cache", "error", err)
		_ = client.Close()
		return NewMemoryCache()
	}

	logger.Info("Operational cache on Redis", "addr", opts.Addr)
	return NewRedisCache(client)
}
