// Package dedup remembers which confirmed events were already applied, so an
// event replayed by catch-up and then seen again by the live filter is
// applied once.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Deduplicator checks keys against a local LRU cache and, when configured,
// a Redis set shared across restarts.
type Deduplicator struct {
	redis      *redis.Client
	localCache *lru.Cache[string, struct{}]
	ttl        time.Duration
	keyPrefix  string
}

// New creates a deduplicator. redisClient may be nil, in which case only the
// in-process cache is used.
func New(redisClient *redis.Client, localCacheSize int, ttl time.Duration) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](localCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{
		redis:      redisClient,
		localCache: cache,
		ttl:        ttl,
		keyPrefix:  "cccoin:applied:",
	}, nil
}

// CheckAndMark marks key as applied and reports whether it was new.
func (d *Deduplicator) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if d.localCache.Contains(key) {
		slog.Debug("Dedup hit (local cache)", "key", key)
		return false, nil
	}
	if d.redis == nil {
		d.localCache.Add(key, struct{}{})
		return true, nil
	}

	ok, err := d.redis.SetNX(ctx, d.keyPrefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	d.localCache.Add(key, struct{}{})
	if !ok {
		slog.Debug("Dedup hit (redis)", "key", key)
	}
	return ok, nil
}

// Forget removes key from both layers, for events whose application failed.
func (d *Deduplicator) Forget(ctx context.Context, key string) error {
	d.localCache.Remove(key)
	if d.redis == nil {
		return nil
	}
	if err := d.redis.Del(ctx, d.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis Del failed: %w", err)
	}
	return nil
}

// Len returns the number of keys in the local cache.
func (d *Deduplicator) Len() int {
	return d.localCache.Len()
}
