package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruCache is a size bounded in-process cache. Entries share one TTL
// (LocalConfig.DefaultExpiration); the per call expiration is ignored.
type lruCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLocalCache creates an LRU cache bounded by LocalConfig.MaxSize
func NewLocalCache(config LocalConfig) Cache {
	config = config.withDefaults()
	return &lruCache{
		lru: expirable.NewLRU[string, []byte](config.MaxSize, nil, config.DefaultExpiration),
	}
}

func (lc *lruCache) Get(_ context.Context, key string) ([]byte, bool) {
	return lc.lru.Get(key)
}

func (lc *lruCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	lc.lru.Add(key, value)
	return nil
}

func (lc *lruCache) Delete(_ context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *lruCache) Exists(_ context.Context, key string) bool {
	return lc.lru.Contains(key)
}

func (lc *lruCache) Clear(_ context.Context) error {
	lc.lru.Purge()
	return nil
}

func (lc *lruCache) Len(_ context.Context) int {
	return lc.lru.Len()
}

func (lc *lruCache) Close() error {
	return nil
}
