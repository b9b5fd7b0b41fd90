package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/countermgr/internal/log"
)

const DefaultExpiration = 2 * time.Second
const DefaultCleanupInterval = time.Minute

// NewInMemoryCacheManager creates a cache whose items expire after
// defaultExpiration unless Set is given a TTL of its own.
func NewInMemoryCacheManager[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[V] {
	return &InMemoryCacheManager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager is the go-cache implementation of CacheManager.
type InMemoryCacheManager[V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[int32] = (*InMemoryCacheManager[int32])(nil)

// Get returns the cached value for key.
func (c *InMemoryCacheManager[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "cached value has wrong type", "cache", c.useCase, "key", key)
		return zero, false
	}

	log.Debug(log.CatCache, "cache hit", "cache", c.useCase, "key", key)
	return v, true
}

// Set stores value under key. A zero ttl uses the cache default.
func (c *InMemoryCacheManager[V]) Set(_ context.Context, key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	c.cache.Set(key, value, ttl)
}

// Delete removes keys from the cache.
func (c *InMemoryCacheManager[V]) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Delete(key)
	}
	return nil
}

// Flush removes every item.
func (c *InMemoryCacheManager[V]) Flush(_ context.Context) error {
	c.cache.Flush()
	return nil
}

// Len returns the number of items, including expired ones not yet cleaned up.
func (c *InMemoryCacheManager[V]) Len() int {
	return c.cache.ItemCount()
}
