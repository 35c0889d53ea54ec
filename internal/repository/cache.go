package repository

import (
	"context"
	"sync"
	"time"
)

// Cache is the best-effort dedup/session KV store every Repository
// backend exposes alongside its durable tables: short-TTL string values,
// shaped like a minimal Redis client (Get/Set/Del) so a concrete driver
// could be dropped in behind it later without touching callers. No
// third-party Redis client appears anywhere in the pack, so the only
// implementation here is the in-process memCache below; see DESIGN.md.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Del(ctx context.Context, key string)
}

type cacheItem struct {
	value     string
	expiresAt time.Time
}

// memCache is an in-memory Cache guarded by a single sync.RWMutex, lazily
// expiring entries on read. Grounded on the teacher's tokenLastUsed /
// thoughtSigCache sync.Map caches (internal/server/server.go,
// internal/server/chat.go): same best-effort, no-eviction-goroutine shape,
// a plain mutex-guarded map since Cache's key space (fingerprints, session
// ids) is small enough that sharding isn't worth the complexity.
type memCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string]cacheItem)}
}

func (c *memCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return "", false
	}
	return item.value, true
}

func (c *memCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = cacheItem{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *memCache) Del(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
