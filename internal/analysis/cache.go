package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tasklens.dev/processor/internal/domain"
)

// Cache stores analysis results keyed by content fingerprint. An in-process
// map and a networked key-value store are interchangeable implementations;
// the engine never assumes which one it has.
//
// Concurrent identical misses may race and compute twice. That is
// at-most-duplicate-work, not a correctness problem, so no locking beyond
// the store's own is required.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.AIAnalysisResult, bool, error)
	Set(ctx context.Context, key string, result *domain.AIAnalysisResult, ttl time.Duration) error
}

type memoryEntry struct {
	data      domain.AIAnalysisResult
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. A read past expiresAt is a miss.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*domain.AIAnalysisResult, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	result := entry.data
	return &result, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, result *domain.AIAnalysisResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{
		data:      *result,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

const redisCacheKeyPrefix = "processor:analysis:"

// RedisCache is a Cache backed by Redis, for sharing analysis results
// across replicas. Expiry is delegated to Redis TTLs.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.AIAnalysisResult, bool, error) {
	payload, err := c.client.Get(ctx, redisCacheKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var result domain.AIAnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal: %w", err)
	}
	return &result, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, result *domain.AIAnalysisResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, redisCacheKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
