package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

const DefaultTTL = 30 * time.Second

// Cache holds the latest sample per ride. Get returns nil when nothing
// fresh is stored; absence is not an error.
type Cache interface {
	Put(ctx context.Context, rideID string, s models.TrackingSample) error
	Get(ctx context.Context, rideID string) (*models.TrackingSample, error)
}

func cacheKey(rideID string) string { return "ride:tracking:" + rideID }

// RedisKV is the subset of redis commands the cache needs; *redis.Client
// satisfies it.
type RedisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type RedisCache struct {
	client RedisKV
	ttl    time.Duration
}

func NewRedisCache(client RedisKV, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Put(ctx context.Context, rideID string, s models.TrackingSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	if err := r.client.Set(ctx, cacheKey(rideID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", cacheKey(rideID), err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, rideID string) (*models.TrackingSample, error) {
	raw, err := r.client.Get(ctx, cacheKey(rideID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", cacheKey(rideID), err)
	}
	var s models.TrackingSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return &s, nil
}

// MemoryCache is an in-process Cache with the same TTL behaviour.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memEntry
	ttl   time.Duration
	now   func() time.Time
}

type memEntry struct {
	s       models.TrackingSample
	expires time.Time
}

func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{items: make(map[string]memEntry), ttl: ttl, now: now}
}

func (m *MemoryCache) Put(ctx context.Context, rideID string, s models.TrackingSample) error {
	m.mu.Lock()
	m.items[rideID] = memEntry{s: s, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Get(ctx context.Context, rideID string) (*models.TrackingSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[rideID]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.items, rideID)
		return nil, nil
	}
	s := e.s
	return &s, nil
}
