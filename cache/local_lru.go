package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type lruFactory struct {
	maxEntries int
}

// NewLRUCacheFactory returns a factory for count-bounded LRU near-caches.
func NewLRUCacheFactory(maxEntries int) LocalCacheFactory {
	return lruFactory{maxEntries: maxEntries}
}

func (f lruFactory) Create() (LocalCache, error) {
	return NewLRUCache(f.maxEntries)
}

// LRUCache bounds the near-cache by entry count. Expired entries are removed
// lazily when read.
type LRUCache struct {
	entries *lru.Cache[string, localEntry]
	counters
}

// NewLRUCache creates an LRU near-cache holding at most maxEntries values.
func NewLRUCache(maxEntries int) (*LRUCache, error) {
	entries, err := lru.New[string, localEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &LRUCache{entries: entries}, nil
}

func (c *LRUCache) Get(key string, now time.Time) ([]byte, bool) {
	e, ok := c.entries.Get(key)
	if ok && e.expired(now) {
		c.entries.Remove(key)
		atomic.AddInt64(&c.expired, 1)
		ok = false
	}
	c.hit(ok)
	if !ok {
		return nil, false
	}
	return e.data, true
}

func (c *LRUCache) Set(key string, data []byte, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	if c.entries.Add(key, localEntry{data: data, expiresAt: now.Add(ttl)}) {
		atomic.AddInt64(&c.evictions, 1)
	}
	return true
}

func (c *LRUCache) Delete(key string) { c.entries.Remove(key) }

func (c *LRUCache) Clear() { c.entries.Purge() }

func (c *LRUCache) Close() { c.entries.Purge() }

func (c *LRUCache) Metrics() LocalCacheMetrics {
	return c.snapshot(int64(c.entries.Len()))
}
