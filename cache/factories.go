package cache

import (
	"sync/atomic"
	"time"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/storage"
)

// NewLocalCacheFactory returns the factory for kind, or nil for LocalCacheNone.
func NewLocalCacheFactory(kind string, config LocalCacheConfig) (LocalCacheFactory, error) {
	switch kind {
	case LocalCacheNone:
		return nil, nil
	case LocalCacheLFU:
		return NewLFUCacheFactory(config), nil
	case LocalCacheLRU:
		return NewLRUCacheFactory(config.MaxSize), nil
	default:
		return nil, ErrInvalidConfig
	}
}

// NewJSONMarshaller returns the JSON text marshaller used for cache values.
func NewJSONMarshaller() Marshaller {
	return storage.NewJSONSerializer()
}

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// counters are the hit/miss bookkeeping shared by the near-cache kinds.
type counters struct {
	hits, misses, evictions, expired, rejected int64
}

func (c *counters) hit(ok bool) {
	if ok {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
}

func (c *counters) snapshot(size int64) LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Expired:   atomic.LoadInt64(&c.expired),
		Rejected:  atomic.LoadInt64(&c.rejected),
		Size:      size,
	}
}

// localTTL caps the remaining remote TTL by maxTTL. Zero means do not keep
// the value locally.
func localTTL(remaining, maxTTL time.Duration) time.Duration {
	if maxTTL > 0 && (remaining <= 0 || maxTTL < remaining) {
		return maxTTL
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() Logger {
	return logging.NewNoOpLogger()
}
