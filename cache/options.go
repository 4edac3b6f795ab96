package cache

import (
	"fmt"
	"time"
)

// Local cache kinds accepted by NewLocalCacheFactory.
const (
	LocalCacheNone = ""
	LocalCacheLFU  = "lfu"
	LocalCacheLRU  = "lru"
)

// LocalCacheConfig sizes the near-cache.
type LocalCacheConfig struct {
	// NumCounters, MaxCost and BufferItems size the LFU kind. MaxCost is the
	// total size in bytes of the encoded values held; NumCounters should be
	// about ten times the expected entry count.
	NumCounters int64
	MaxCost     int64
	BufferItems int64

	// MaxSize is the entry limit of the LRU kind.
	MaxSize int

	// MaxTTL caps how long an entry may live locally, regardless of the
	// remote expiry. Zero means the remote expiry alone decides.
	MaxTTL time.Duration
}

// Options configures a DistributedCache instance.
type Options struct {
	// DefaultTTL is used when Set is called with a non-positive TTL.
	DefaultTTL time.Duration

	// InvalidationChannel is the channel the near-cache listens on to drop
	// entries written by other instances.
	InvalidationChannel string

	// LocalCacheKind selects the near-cache: "", "lfu" or "lru".
	LocalCacheKind string

	// LocalCacheConfig configures the near-cache.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory overrides LocalCacheKind when set.
	LocalCacheFactory LocalCacheFactory

	// Marshaller is the marshaller for serialization.
	// If nil, defaults to the JSON serializer.
	Marshaller Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables per-operation debug logging.
	DebugMode bool

	// Now overrides the clock used for blacklist TTLs and near-cache expiry.
	Now func() time.Time

	// OnError receives near-cache invalidations that could not be published.
	OnError func(error)
}

// DefaultOptions returns default cache options.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:          300 * time.Second,
		InvalidationChannel: "cache:invalidate",
		LocalCacheKind:      LocalCacheNone,
		LocalCacheConfig:    DefaultLocalCacheConfig(),
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64MB
		BufferItems: 64,
		MaxSize:     10000,
		MaxTTL:      30 * time.Second,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (o *Options) Validate() error {
	if o.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default ttl must be positive", ErrInvalidConfig)
	}
	lc := o.LocalCacheConfig
	switch o.LocalCacheKind {
	case LocalCacheNone:
	case LocalCacheLFU:
		if lc.NumCounters <= 0 || lc.MaxCost <= 0 {
			return fmt.Errorf("%w: lfu near-cache needs NumCounters and MaxCost", ErrInvalidConfig)
		}
	case LocalCacheLRU:
		if lc.MaxSize <= 0 {
			return fmt.Errorf("%w: lru near-cache needs MaxSize", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown near-cache kind %q", ErrInvalidConfig, o.LocalCacheKind)
	}
	if lc.MaxTTL < 0 {
		return fmt.Errorf("%w: near-cache max ttl must not be negative", ErrInvalidConfig)
	}
	if o.nearCacheEnabled() && o.InvalidationChannel == "" {
		return fmt.Errorf("%w: near-cache needs an invalidation channel", ErrInvalidConfig)
	}
	return nil
}

func (o *Options) nearCacheEnabled() bool {
	return o.LocalCacheFactory != nil || o.LocalCacheKind != LocalCacheNone
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
