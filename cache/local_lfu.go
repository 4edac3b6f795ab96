package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

type lfuFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory returns a factory for byte-bounded ristretto near-caches.
func NewLFUCacheFactory(config LocalCacheConfig) LocalCacheFactory {
	return lfuFactory{config: config}
}

func (f lfuFactory) Create() (LocalCache, error) {
	return NewLFUCache(f.config)
}

// LFUCache bounds the near-cache by the total size of the encoded values
// (MaxCost is in bytes). Ristretto's own TTL evicts expired entries in the
// background; Get also checks the expiry against the caller's clock.
type LFUCache struct {
	store *ristretto.Cache
	counters

	mu       sync.Mutex
	keys     map[string]struct{}
	clearing atomic.Bool
}

type lfuEntry struct {
	key string
	localEntry
}

// NewLFUCache creates a ristretto-backed near-cache.
func NewLFUCache(config LocalCacheConfig) (*LFUCache, error) {
	c := &LFUCache{keys: make(map[string]struct{})}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.NumCounters,
		MaxCost:     config.MaxCost,
		BufferItems: config.BufferItems,
		// cost is the value size
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item) {
			if !c.clearing.Load() {
				atomic.AddInt64(&c.evictions, 1)
			}
			c.forget(item)
		},
		OnReject: func(item *ristretto.Item) {
			atomic.AddInt64(&c.rejected, 1)
			c.forget(item)
		},
	})
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

func (c *LFUCache) Get(key string, now time.Time) ([]byte, bool) {
	v, ok := c.store.Get(key)
	var e lfuEntry
	if ok {
		e, ok = v.(lfuEntry)
	}
	if ok && e.expired(now) {
		c.Delete(key)
		atomic.AddInt64(&c.expired, 1)
		ok = false
	}
	c.hit(ok)
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Set offers the value with its size as cost and waits for the write buffer
// to drain so the next Get sees it. The result only reports whether the
// write was buffered; admission can still reject it.
func (c *LFUCache) Set(key string, data []byte, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	e := lfuEntry{key: key, localEntry: localEntry{data: data, expiresAt: now.Add(ttl)}}
	ok := c.store.SetWithTTL(key, e, int64(len(data)), ttl)
	c.store.Wait()
	if !ok {
		c.drop(key)
	}
	return ok
}

func (c *LFUCache) Delete(key string) {
	c.store.Del(key)
	c.drop(key)
}

func (c *LFUCache) Clear() {
	c.clearing.Store(true)
	c.store.Clear()
	c.clearing.Store(false)

	c.mu.Lock()
	clear(c.keys)
	c.mu.Unlock()
}

func (c *LFUCache) Close() { c.store.Close() }

func (c *LFUCache) Metrics() LocalCacheMetrics {
	c.mu.Lock()
	size := len(c.keys)
	c.mu.Unlock()
	return c.snapshot(int64(size))
}

func (c *LFUCache) forget(item *ristretto.Item) {
	if e, ok := item.Value.(lfuEntry); ok {
		c.drop(e.key)
	}
}

func (c *LFUCache) drop(key string) {
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}
