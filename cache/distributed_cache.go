package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
	cachesync "github.com/huykn/taskcore/sync"
)

// DistributedCache is a TTL key/value cache in shared Redis with an optional
// in-process near-cache. Every remote call runs under the resilience policy,
// so an outage surfaces as an error and never as a miss.
type DistributedCache struct {
	store      Store
	subscriber Subscriber
	policy     *resilience.Policy
	local      LocalCache
	localSub   *cachesync.Subscription
	serializer Marshaller
	logger     Logger
	options    Options
	now        func() time.Time
	loads      singleflight.Group
	closed     int32
	stats      Stats
}

// New creates a DistributedCache. subscriber may be nil when neither the
// near-cache nor SubscribeInvalidation is used.
func New(store Store, subscriber Subscriber, policy *resilience.Policy, opts Options) (*DistributedCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if store == nil || policy == nil {
		return nil, ErrInvalidConfig
	}

	// Set defaults for optional fields
	if opts.Marshaller == nil {
		opts.Marshaller = NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LocalCacheFactory == nil {
		f, err := NewLocalCacheFactory(opts.LocalCacheKind, opts.LocalCacheConfig)
		if err != nil {
			return nil, err
		}
		opts.LocalCacheFactory = f
	}

	dc := &DistributedCache{
		store:      store,
		subscriber: subscriber,
		policy:     policy,
		serializer: opts.Marshaller,
		logger:     opts.Logger,
		options:    opts,
		now:        opts.Now,
	}

	if opts.LocalCacheFactory != nil {
		if subscriber == nil {
			return nil, ErrInvalidConfig
		}
		local, err := opts.LocalCacheFactory.Create()
		if err != nil {
			return nil, err
		}
		sub, err := subscriber.Subscribe(context.Background(), opts.InvalidationChannel, dc.handleInvalidation)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("near-cache subscription: %w", err)
		}
		dc.local = local
		dc.localSub = sub
	}

	return dc, nil
}

// Set stores value as JSON under key for ttl. A non-positive ttl uses
// Options.DefaultTTL. With a near-cache the key is also announced on
// Options.InvalidationChannel so other instances drop their copy.
func (dc *DistributedCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := dc.check(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = dc.options.DefaultTTL
	}

	data, err := dc.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	err = dc.policy.Execute(ctx, "cache.set", func(ctx context.Context) error {
		return dc.store.Set(ctx, key, data, ttl)
	})
	dc.dropLocal(key)
	if err != nil {
		return err
	}
	dc.announce(ctx, key)

	if dc.options.DebugMode {
		dc.logger.Debug("Set: stored in remote cache", "key", key, "ttl", ttl)
	}
	return nil
}

// Get decodes the value under key into dest. It reports false when the key
// is absent or expired. A stored value that cannot be decoded yields
// ErrCorruptedEntry.
func (dc *DistributedCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := dc.check(key); err != nil {
		return false, err
	}

	if data, ok := dc.getLocal(key); ok {
		if err := dc.serializer.Unmarshal(data, dest); err == nil {
			atomic.AddInt64(&dc.stats.LocalHits, 1)
			if dc.options.DebugMode {
				dc.logger.Debug("Get: found in local cache", "key", key)
			}
			return true, nil
		}
		dc.local.Delete(key)
	}
	if dc.local != nil {
		atomic.AddInt64(&dc.stats.LocalMisses, 1)
	}

	f, err := dc.fetch(ctx, key)
	if err != nil {
		return false, err
	}
	if !f.found {
		atomic.AddInt64(&dc.stats.RemoteMisses, 1)
		if dc.options.DebugMode {
			dc.logger.Debug("Get: not found in remote cache", "key", key)
		}
		return false, nil
	}
	atomic.AddInt64(&dc.stats.RemoteHits, 1)

	if err := dc.serializer.Unmarshal(f.data, dest); err != nil {
		atomic.AddInt64(&dc.stats.CorruptedEntries, 1)
		dc.logger.Error("cache entry corrupted", "key", key, "error", err)
		return false, fmt.Errorf("cache get %s: %w: %w", key, ErrCorruptedEntry, err)
	}

	dc.setLocal(key, f.data, f.remaining)
	return true, nil
}

// GetAs is Get for callers that want the decoded value returned.
func GetAs[T any](ctx context.Context, dc *DistributedCache, key string) (T, bool, error) {
	var out T
	found, err := dc.Get(ctx, key, &out)
	if err != nil || !found {
		var zero T
		return zero, found, err
	}
	return out, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (dc *DistributedCache) Delete(ctx context.Context, key string) error {
	if err := dc.check(key); err != nil {
		return err
	}

	err := dc.policy.Execute(ctx, "cache.delete", func(ctx context.Context) error {
		return dc.store.Delete(ctx, key)
	})
	dc.dropLocal(key)
	if err != nil {
		return err
	}
	dc.announce(ctx, key)

	if dc.options.DebugMode {
		dc.logger.Debug("Delete: removed from remote cache", "key", key)
	}
	return nil
}

// SetIfAbsent stores value only if key does not exist yet and reports
// whether it did.
func (dc *DistributedCache) SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if err := dc.check(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = dc.options.DefaultTTL
	}

	data, err := dc.serializer.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache set-if-absent %s: %w", key, err)
	}

	stored, err := resilience.Do(ctx, dc.policy, "cache.setnx", func(ctx context.Context) (bool, error) {
		return dc.store.SetNX(ctx, key, data, ttl)
	})
	if err != nil {
		return false, err
	}
	if stored {
		dc.dropLocal(key)
		dc.announce(ctx, key)
	}
	return stored, nil
}

// GetOrLoad reads key into dest, calling loader on a miss and storing its
// result for ttl. Concurrent misses for the same key share one load. A
// corrupted entry is treated as a miss and overwritten.
func (dc *DistributedCache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, loader func(ctx context.Context) (any, error)) error {
	found, err := dc.Get(ctx, key, dest)
	switch {
	case err == nil && found:
		return nil
	case errors.Is(err, ErrCorruptedEntry):
		dc.logger.Warn("GetOrLoad: replacing corrupted entry", "key", key)
	case err != nil:
		return err
	}

	v, err, shared := dc.loads.Do(key, func() (any, error) {
		atomic.AddInt64(&dc.stats.Loads, 1)

		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		data, err := dc.serializer.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache load %s: %w", key, err)
		}
		if err := dc.Set(ctx, key, value, ttl); err != nil {
			dc.logger.Warn("GetOrLoad: failed to store loaded value", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if dc.options.DebugMode {
		dc.logger.Debug("GetOrLoad: loaded value", "key", key, "shared", shared)
	}
	return dc.serializer.Unmarshal(v.([]byte), dest)
}

// PublishInvalidation publishes key as the raw payload on channel.
func (dc *DistributedCache) PublishInvalidation(ctx context.Context, channel, key string) error {
	if atomic.LoadInt32(&dc.closed) != 0 {
		return ErrCacheClosed
	}
	err := dc.policy.Execute(ctx, "cache.publish", func(ctx context.Context) error {
		return dc.store.Publish(ctx, channel, key)
	})
	if err != nil {
		return err
	}
	if dc.options.DebugMode {
		dc.logger.Debug("Published cache invalidation", "channel", channel, "key", key)
	}
	return nil
}

// Invalidate deletes key and publishes its invalidation on channel.
func (dc *DistributedCache) Invalidate(ctx context.Context, channel, key string) error {
	if err := dc.Delete(ctx, key); err != nil {
		return err
	}
	return dc.PublishInvalidation(ctx, channel, key)
}

// SubscribeInvalidation calls onInvalidate with every key published on
// channel until the subscription is cancelled or ctx is done.
func (dc *DistributedCache) SubscribeInvalidation(ctx context.Context, channel string, onInvalidate func(key string)) (*cachesync.Subscription, error) {
	if atomic.LoadInt32(&dc.closed) != 0 {
		return nil, ErrCacheClosed
	}
	if dc.subscriber == nil {
		return nil, ErrNoSubscriber
	}
	return dc.subscriber.Subscribe(ctx, channel, func(msg InvalidationMessage) {
		atomic.AddInt64(&dc.stats.Invalidations, 1)
		if dc.options.DebugMode {
			dc.logger.Debug("Received cache invalidation", "channel", msg.Channel, "key", msg.Key)
		}
		onInvalidate(msg.Key)
	})
}

// Stats returns cache statistics.
func (dc *DistributedCache) Stats() Stats {
	s := Stats{
		LocalHits:        atomic.LoadInt64(&dc.stats.LocalHits),
		LocalMisses:      atomic.LoadInt64(&dc.stats.LocalMisses),
		RemoteHits:       atomic.LoadInt64(&dc.stats.RemoteHits),
		RemoteMisses:     atomic.LoadInt64(&dc.stats.RemoteMisses),
		Invalidations:    atomic.LoadInt64(&dc.stats.Invalidations),
		CorruptedEntries: atomic.LoadInt64(&dc.stats.CorruptedEntries),
		Loads:            atomic.LoadInt64(&dc.stats.Loads),
	}
	if dc.local != nil {
		m := dc.local.Metrics()
		s.LocalEvictions = m.Evictions
		s.LocalEntries = m.Size
	}
	return s
}

// Close releases the near-cache. The shared Redis client is left open.
func (dc *DistributedCache) Close() error {
	if !atomic.CompareAndSwapInt32(&dc.closed, 0, 1) {
		return nil
	}

	var err error
	if dc.localSub != nil {
		err = dc.localSub.Unsubscribe()
	}
	if dc.local != nil {
		dc.local.Close()
	}
	return err
}

func (dc *DistributedCache) check(key string) error {
	if atomic.LoadInt32(&dc.closed) != 0 {
		return ErrCacheClosed
	}
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

type fetched struct {
	data      []byte
	remaining time.Duration
	found     bool
}

// fetch reads key from the store. A missing key is reported through found,
// never as an error, so misses do not count against the breaker.
func (dc *DistributedCache) fetch(ctx context.Context, key string) (fetched, error) {
	return resilience.Do(ctx, dc.policy, "cache.get", func(ctx context.Context) (fetched, error) {
		var (
			f   fetched
			err error
		)
		if dc.local != nil {
			f.data, f.remaining, err = dc.store.GetWithTTL(ctx, key)
		} else {
			f.data, err = dc.store.Get(ctx, key)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return fetched{}, nil
		}
		if err != nil {
			return fetched{}, err
		}
		f.found = true
		return f, nil
	})
}

func (dc *DistributedCache) getLocal(key string) ([]byte, bool) {
	if dc.local == nil {
		return nil, false
	}
	return dc.local.Get(key, dc.now())
}

func (dc *DistributedCache) setLocal(key string, data []byte, remaining time.Duration) {
	if dc.local == nil {
		return
	}
	if ttl := localTTL(remaining, dc.options.LocalCacheConfig.MaxTTL); ttl > 0 {
		dc.local.Set(key, data, dc.now(), ttl)
	}
}

func (dc *DistributedCache) dropLocal(key string) {
	if dc.local != nil {
		dc.local.Delete(key)
	}
}

// announce publishes key on the near-cache channel. A failed publish does not
// fail the write; it is logged and handed to Options.OnError.
func (dc *DistributedCache) announce(ctx context.Context, key string) {
	if dc.local == nil {
		return
	}
	channel := dc.options.InvalidationChannel
	err := dc.policy.Execute(ctx, "cache.publish", func(ctx context.Context) error {
		return dc.store.Publish(ctx, channel, key)
	})
	if err == nil {
		return
	}
	dc.logger.Warn("near-cache invalidation not published", "key", key, "channel", channel, "error", err)
	if dc.options.OnError != nil {
		dc.options.OnError(fmt.Errorf("publish invalidation %s: %w", key, err))
	}
}

// handleInvalidation drops near-cache entries written by other instances.
func (dc *DistributedCache) handleInvalidation(msg InvalidationMessage) {
	dc.dropLocal(msg.Key)
	atomic.AddInt64(&dc.stats.Invalidations, 1)
	if dc.options.DebugMode {
		dc.logger.Debug("Sync: deleted key from local cache", "key", msg.Key, "channel", msg.Channel)
	}
}

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// ErrInvalidKey is returned for an empty key.
var ErrInvalidKey = NewError("cache key must not be empty")

// ErrCorruptedEntry is returned when a stored value cannot be decoded.
var ErrCorruptedEntry = NewError("corrupted cache entry")

// ErrNoSubscriber is returned by SubscribeInvalidation when the cache was
// built without a subscriber.
var ErrNoSubscriber = NewError("cache has no invalidation subscriber")
