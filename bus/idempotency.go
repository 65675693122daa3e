package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records processed delivery keys. FirstSeen is an atomic
// set-if-absent: it returns true exactly once per key per TTL window, so
// concurrent consumers of the same queue never double-process a delivery.
type IdempotencyStore interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryIdempotencyStore keeps keys in process memory. It is the fallback
// when no Redis is configured and the store used throughout the tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryIdempotencyStore returns an empty in-process store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]time.Time)}
}

// FirstSeen implements IdempotencyStore.
func (s *MemoryIdempotencyStore) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)

	// Opportunistic sweep keeps the map bounded on long-lived processes.
	if len(s.seen) > 4096 {
		for k, expiry := range s.seen {
			if now.After(expiry) {
				delete(s.seen, k)
			}
		}
	}
	return true, nil
}

// RedisIdempotencyStore backs delivery dedup with Redis SETNX so the seen
// set is shared across replicas of the same consumer.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore wraps an existing Redis client.
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// FirstSeen implements IdempotencyStore.
func (s *RedisIdempotencyStore) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}
