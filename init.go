package taskcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/taskcore/auth"
	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/metrics"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
	cachesync "github.com/huykn/taskcore/sync"
)

// Config configures a Core.
type Config struct {
	// Redis configures the shared connection when RedisClient is nil.
	Redis storage.RedisOptions

	// RedisClient, when set, is used instead of dialling Redis. Core does not
	// close it.
	RedisClient redis.UniversalClient

	// Breaker and Policy configure the resilience policy shared by every
	// Redis call.
	Breaker resilience.BreakerConfig
	Policy  resilience.PolicyConfig

	// Cache configures the distributed cache.
	Cache cache.Options

	// RateLimit configures the limiter.
	RateLimit ratelimit.Options

	// RateLimitStats enables per-rule allowed/denied counters in Redis.
	RateLimitStats bool

	// RateLimitStatsOptions configure the counters when enabled.
	RateLimitStatsOptions []ratelimit.RedisStatsOption

	// Queue configures the job queue.
	Queue queue.QueueOptions

	// TasksChannel carries task cache invalidations published by the worker.
	TasksChannel string

	// Logger is shared by every component. If nil, logging is disabled.
	Logger Logger

	// Metrics, when set, receives breaker, limiter and job observations.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Redis:        storage.DefaultRedisOptions(),
		Breaker:      resilience.DefaultBreakerConfig(),
		Policy:       resilience.DefaultPolicyConfig(),
		Cache:        cache.DefaultOptions(),
		RateLimit:    ratelimit.DefaultOptions(),
		Queue:        queue.DefaultQueueOptions(),
		TasksChannel: cache.DefaultOptions().InvalidationChannel,
	}
}

// Core owns the shared Redis connection and the components built on it.
type Core struct {
	Redis   redis.UniversalClient
	Breaker *resilience.CircuitBreaker
	Policy  *resilience.Policy
	Bus     *cachesync.Bus
	Cache   *cache.DistributedCache
	Limiter *ratelimit.Limiter
	Queue   *queue.RedisQueue
	Revoker *auth.Revoker

	cfg        Config
	logger     Logger
	ownsClient bool
}

// New connects to Redis and builds every component.
func New(ctx context.Context, cfg Config) (*Core, error) {
	logger := logging.OrNoOp(cfg.Logger)
	c := &Core{cfg: cfg, logger: logger}

	if cfg.RedisClient != nil {
		c.Redis = cfg.RedisClient
	} else {
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
		}
		c.Redis = client
		c.ownsClient = true
	}

	if err := c.build(); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("taskcore initialised", "version", Version, "breaker", c.Breaker.Name(),
		"queue", c.Queue.Name(), "near_cache", cfg.Cache.LocalCacheKind)
	return c, nil
}

func (c *Core) build() error {
	cfg := c.cfg
	m := cfg.Metrics

	breakerCfg := cfg.Breaker
	if m != nil {
		next := breakerCfg.OnStateChange
		breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
			m.ObserveBreaker(name, from, to)
			if next != nil {
				next(name, from, to)
			}
		}
	}
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	c.Breaker = breaker
	m.TrackBreaker(breaker)

	if c.Policy, err = resilience.NewPolicy(cfg.Policy, breaker, c.logger); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	c.Bus = cachesync.NewBus(c.Redis, c.logger)

	cacheOpts := cfg.Cache
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = c.logger
	}
	if c.Cache, err = cache.New(storage.NewRedisStore(c.Redis), c.Bus, c.Policy, cacheOpts); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	limiterOpts := cfg.RateLimit
	if limiterOpts.Logger == nil {
		limiterOpts.Logger = c.logger
	}
	if limiterOpts.OnDecision == nil && m != nil {
		limiterOpts.OnDecision = m.ObserveDecision
	}
	if limiterOpts.Stats == nil && cfg.RateLimitStats {
		limiterOpts.Stats = ratelimit.NewRedisStats(c.Redis, cfg.RateLimitStatsOptions...)
	}
	if c.Limiter, err = ratelimit.NewLimiter(c.Redis, c.Policy, limiterOpts); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	queueOpts := cfg.Queue
	if queueOpts.Logger == nil {
		queueOpts.Logger = c.logger
	}
	if c.Queue, err = queue.NewRedisQueue(c.Redis, c.Policy, queueOpts); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	c.Revoker = auth.NewRevoker(c.Cache, c.logger)
	return nil
}

// NewWorker creates a worker with the status-update and overdue-notification
// handlers registered.
func (c *Core) NewWorker(repo queue.TaskRepository, notifier queue.Notifier, opts queue.WorkerOptions) (*queue.Worker, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: task repository is required", ErrInvalidConfig)
	}
	if notifier == nil {
		notifier = queue.NewLogNotifier(c.logger)
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	if opts.OnJobDone == nil && c.cfg.Metrics != nil {
		opts.OnJobDone = c.cfg.Metrics.ObserveJob
	}

	w, err := queue.NewWorker(c.Queue, opts)
	if err != nil {
		return nil, err
	}
	w.Register(queue.KindStatusUpdate, queue.StatusUpdateHandler(repo, c.Cache, c.cfg.TasksChannel, c.logger))
	w.Register(queue.KindOverdueNotification, queue.OverdueNotificationHandler(repo, notifier, nil, c.logger))
	return w, nil
}

// NewSweeper creates the overdue sweeper. Markers live in the cache and
// notifications go through the queue.
func (c *Core) NewSweeper(repo queue.TaskRepository, opts queue.SweeperOptions) (*queue.OverdueSweeper, error) {
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return queue.NewOverdueSweeper(repo, c.Cache, c.Queue, opts)
}

// Ping checks the shared store through the resilience policy.
func (c *Core) Ping(ctx context.Context) error {
	return c.Policy.Execute(ctx, "redis.ping", func(ctx context.Context) error {
		return c.Redis.Ping(ctx).Err()
	})
}

// Close waits for pending async enqueues and releases every component.
func (c *Core) Close() error {
	var errs []error
	if c.Queue != nil {
		c.Queue.Wait()
	}
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	if c.Bus != nil {
		errs = append(errs, c.Bus.Close())
	}
	if c.ownsClient && c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}
