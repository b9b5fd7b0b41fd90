package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache loads missing values with fn and caches them for ttl.
// Errors from fn are returned as-is and never cached. A ttl of zero or less
// disables caching.
type ReadThroughCache[V any] struct {
	cache CacheManager[V]
	fn    func(ctx context.Context, key string) (V, error)
	ttl   time.Duration
}

// NewReadThroughCache creates a ReadThroughCache.
func NewReadThroughCache[V any](
	cache CacheManager[V],
	fn func(ctx context.Context, key string) (V, error),
	ttl time.Duration,
) *ReadThroughCache[V] {
	return &ReadThroughCache[V]{
		cache: cache,
		fn:    fn,
		ttl:   ttl,
	}
}

// Get returns the value for key, loading it on a miss.
func (r *ReadThroughCache[V]) Get(ctx context.Context, key string) (V, error) {
	if r.ttl <= 0 {
		return r.fn(ctx, key)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.fn(ctx, key)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, r.ttl)
	return value, nil
}

// Invalidate drops the cached values for keys.
func (r *ReadThroughCache[V]) Invalidate(ctx context.Context, keys ...string) {
	_ = r.cache.Delete(ctx, keys...)
}
