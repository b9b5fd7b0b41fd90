// Package cachemanager provides short-lived read caches backed by go-cache.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager stores values of type V by string key with a per-item TTL.
type CacheManager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}
