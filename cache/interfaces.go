package cache

import (
	"context"
	"time"

	"github.com/huykn/taskcore/logging"
	cachesync "github.com/huykn/taskcore/sync"
	"github.com/huykn/taskcore/types"
)

// Logger is an alias for logging.Logger.
type Logger = logging.Logger

// Marshaller encodes cache values. Values cross process boundaries, so the
// encoding must be readable by every instance sharing the store.
type Marshaller interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// LocalCache is the optional in-process near-cache in front of the remote
// store. It holds encoded values only; the caller supplies the clock so an
// entry never outlives the remote key it mirrors.
type LocalCache interface {
	// Get returns the bytes under key unless absent or expired at now.
	Get(key string, now time.Time) ([]byte, bool)
	// Set keeps data until now+ttl. It reports false when the entry was not
	// admitted.
	Set(key string, data []byte, now time.Time, ttl time.Duration) bool
	Delete(key string)
	Clear()
	Close()
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics are near-cache counters. Expired counts entries dropped
// on read; Rejected counts writes the admission policy refused.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Rejected  int64
	Size      int64
}

// LocalCacheFactory builds a near-cache for a DistributedCache.
type LocalCacheFactory interface {
	Create() (LocalCache, error)
}

// Store defines the remote key/value backend. storage.RedisStore implements it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, channel, payload string) error
}

// Subscriber registers invalidation handlers. sync.Bus implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, h cachesync.Handler) (*cachesync.Subscription, error)
}

// InvalidationMessage is an alias for types.InvalidationMessage.
type InvalidationMessage = types.InvalidationMessage

// Stats are cumulative counters for one DistributedCache.
type Stats struct {
	LocalHits        int64
	LocalMisses      int64
	RemoteHits       int64
	RemoteMisses     int64
	Invalidations    int64
	CorruptedEntries int64
	Loads            int64

	// Near-cache evictions and current entry count; zero without a near-cache.
	LocalEvictions int64
	LocalEntries   int64
}
