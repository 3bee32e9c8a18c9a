package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache backs the handshake replay-nonce guard and short-lived artifact
// caching. SetNX is the only operation validation correctness leans on.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ client *redis.Client }

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", err
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// memSweepThreshold bounds how large the map may grow before a full sweep
// of expired entries; expiry is otherwise checked lazily per key.
const memSweepThreshold = 4096

// MemoryCache is an in-memory TTL cache for single-node runs and tests.
// Nonce keys dominate its population, so entries are swept in bulk only
// when the map grows past the threshold.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return now.After(it.expiresAt)
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && !it.expired(now) {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: now.Add(ttl)}
	m.maybeSweepLocked(now)
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	if it.expired(now) {
		delete(m.items, key)
		return "", redis.Nil
	}
	return it.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: now.Add(ttl)}
	m.maybeSweepLocked(now)
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) maybeSweepLocked(now time.Time) {
	if len(m.items) < memSweepThreshold {
		return
	}
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}
