package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	KindLocal   = "local"   // golang-lru
	KindGoCache = "gocache" // go-cache
	KindRedis   = "redis"   // redis
	KindLayered = "layered" // local LRU in front of redis
)

// NewCache creates a cache instance based on configuration
func NewCache(config Config) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case KindLocal, "":
		return NewLocalCache(config.Local), nil
	case KindGoCache:
		return NewGoCache(config.Local), nil
	case KindRedis:
		return NewRedisCache(config.Redis)
	case KindLayered:
		remote, err := NewRedisCache(config.Redis)
		if err != nil {
			return nil, err
		}
		return NewLayeredCache(NewLocalCache(config.Local), remote, config.Local.withDefaults().DefaultExpiration), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// NewLayeredCache puts a short lived local tier in front of a shared one.
// Reads fall through to the remote tier and backfill the local one.
func NewLayeredCache(local, remote Cache, localTTL time.Duration) Cache {
	return &layeredCache{local: local, remote: remote, localTTL: localTTL}
}

type layeredCache struct {
	local    Cache
	remote   Cache
	localTTL time.Duration
}

func (lc *layeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := lc.local.Get(ctx, key); ok {
		return value, true
	}
	value, ok := lc.remote.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = lc.local.Set(ctx, key, value, lc.localTTL)
	return value, true
}

func (lc *layeredCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := lc.remote.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, lc.localTTL)
}

func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	if err := lc.local.Delete(ctx, key); err != nil {
		return err
	}
	return lc.remote.Delete(ctx, key)
}

func (lc *layeredCache) Exists(ctx context.Context, key string) bool {
	return lc.local.Exists(ctx, key) || lc.remote.Exists(ctx, key)
}

func (lc *layeredCache) Clear(ctx context.Context) error {
	if err := lc.local.Clear(ctx); err != nil {
		return err
	}
	return lc.remote.Clear(ctx)
}

func (lc *layeredCache) Len(ctx context.Context) int {
	return lc.remote.Len(ctx)
}

func (lc *layeredCache) Close() error {
	if err := lc.local.Close(); err != nil {
		return err
	}
	return lc.remote.Close()
}
