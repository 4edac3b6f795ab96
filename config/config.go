// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/huykn/taskcore"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "TASKCORE"

// Config holds the process configuration.
type Config struct {
	App        AppSettings        `mapstructure:"app"`
	Redis      RedisSettings      `mapstructure:"redis"`
	Postgres   PostgresSettings   `mapstructure:"postgres"`
	Kafka      KafkaSettings      `mapstructure:"kafka"`
	Cache      CacheSettings      `mapstructure:"cache"`
	Resilience ResilienceSettings `mapstructure:"resilience"`
	RateLimit  RateLimitSettings  `mapstructure:"rate_limit"`
	Queue      QueueSettings      `mapstructure:"queue"`
	Sweep      SweepSettings      `mapstructure:"sweep"`
}

type AppSettings struct {
	Name    string `mapstructure:"name" validate:"required"`
	Env     string `mapstructure:"env" validate:"required,oneof=development production test"`
	OpsAddr string `mapstructure:"ops_addr" validate:"required"`
}

type RedisSettings struct {
	Addr       string `mapstructure:"addr" validate:"required,hostname_port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db" validate:"gte=0"`
	PoolSize   int    `mapstructure:"pool_size" validate:"gt=0"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

type PostgresSettings struct {
	DSN string `mapstructure:"dsn"`
}

// KafkaSettings configures the overdue notifier. With no brokers,
// notifications are only logged.
type KafkaSettings struct {
	Brokers []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
}

type CacheSettings struct {
	DefaultTTL          time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	InvalidationChannel string        `mapstructure:"invalidation_channel" validate:"required"`
	TasksChannel        string        `mapstructure:"tasks_channel" validate:"required"`
	LocalCache          string        `mapstructure:"local_cache" validate:"omitempty,oneof=lfu lru"`
	LocalMaxTTL         time.Duration `mapstructure:"local_max_ttl" validate:"gte=0"`
	LocalMaxSize        int           `mapstructure:"local_max_size" validate:"gte=0"`
}

type ResilienceSettings struct {
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"gt=0"`
	BaseDelay        time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay         time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	SuccessThreshold int           `mapstructure:"success_threshold" validate:"gt=0"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

type RateLimitSettings struct {
	KeyPrefix     string        `mapstructure:"key_prefix" validate:"required"`
	DefaultLimit  int           `mapstructure:"default_limit" validate:"gt=0"`
	DefaultWindow time.Duration `mapstructure:"default_window" validate:"gt=0"`
	Strategy      string        `mapstructure:"strategy" validate:"oneof=fixed sliding"`
	Stats         bool          `mapstructure:"stats"`
	StatsTTL      time.Duration `mapstructure:"stats_ttl" validate:"gte=0"`
	TrustProxy    bool          `mapstructure:"trust_proxy"`
}

type QueueSettings struct {
	Name          string        `mapstructure:"name" validate:"required"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gt=0"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	JobTimeout    time.Duration `mapstructure:"job_timeout" validate:"gt=0,ltfield=LeaseDuration"`
}

type SweepSettings struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	MarkerTTL time.Duration `mapstructure:"marker_ttl" validate:"gt=0"`
}

var keys = []string{
	"app.name", "app.env", "app.ops_addr",
	"redis.addr", "redis.password", "redis.db", "redis.pool_size", "redis.tls_enabled",
	"postgres.dsn",
	"kafka.brokers", "kafka.topic",
	"cache.default_ttl", "cache.invalidation_channel", "cache.tasks_channel",
	"cache.local_cache", "cache.local_max_ttl", "cache.local_max_size",
	"resilience.max_attempts", "resilience.base_delay", "resilience.max_delay", "resilience.timeout",
	"resilience.failure_threshold", "resilience.success_threshold", "resilience.open_timeout",
	"rate_limit.key_prefix", "rate_limit.default_limit", "rate_limit.default_window",
	"rate_limit.strategy", "rate_limit.stats", "rate_limit.stats_ttl", "rate_limit.trust_proxy",
	"queue.name", "queue.max_attempts", "queue.backoff_base", "queue.backoff_max",
	"queue.concurrency", "queue.lease_duration", "queue.job_timeout",
	"sweep.enabled", "sweep.interval", "sweep.batch_size", "sweep.marker_ttl",
}

// Load reads an optional .env file, then the TASKCORE_* environment, over
// the defaults, and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "taskcore-worker")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.ops_addr", ":9090")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.tls_enabled", false)

	v.SetDefault("kafka.topic", "tasks.overdue")

	v.SetDefault("cache.default_ttl", "300s")
	v.SetDefault("cache.invalidation_channel", "cache:invalidate")
	v.SetDefault("cache.tasks_channel", "cache:invalidate")
	v.SetDefault("cache.local_cache", "")
	v.SetDefault("cache.local_max_ttl", "30s")
	v.SetDefault("cache.local_max_size", 10000)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.base_delay", "100ms")
	v.SetDefault("resilience.max_delay", "2s")
	v.SetDefault("resilience.timeout", "0s")
	v.SetDefault("resilience.failure_threshold", 3)
	v.SetDefault("resilience.success_threshold", 2)
	v.SetDefault("resilience.open_timeout", "10s")

	v.SetDefault("rate_limit.key_prefix", "ratelimit")
	v.SetDefault("rate_limit.default_limit", 100)
	v.SetDefault("rate_limit.default_window", "60s")
	v.SetDefault("rate_limit.strategy", "fixed")
	v.SetDefault("rate_limit.stats", false)
	v.SetDefault("rate_limit.stats_ttl", "24h")
	v.SetDefault("rate_limit.trust_proxy", false)

	v.SetDefault("queue.name", "task-processing")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.backoff_max", "1m")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.lease_duration", "30s")
	v.SetDefault("queue.job_timeout", "20s")

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", "1h")
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("sweep.marker_ttl", "24h")
}

// Core maps the settings onto a taskcore.Config.
func (c *Config) Core(logger taskcore.Logger) taskcore.Config {
	cfg := taskcore.DefaultConfig()
	cfg.Logger = logger

	cfg.Redis.Addr = c.Redis.Addr
	cfg.Redis.Password = c.Redis.Password
	cfg.Redis.DB = c.Redis.DB
	cfg.Redis.PoolSize = c.Redis.PoolSize
	cfg.Redis.TLSEnabled = c.Redis.TLSEnabled

	cfg.Policy.MaxAttempts = c.Resilience.MaxAttempts
	cfg.Policy.BaseDelay = c.Resilience.BaseDelay
	cfg.Policy.MaxDelay = c.Resilience.MaxDelay
	cfg.Policy.Timeout = c.Resilience.Timeout
	cfg.Breaker.FailureThreshold = c.Resilience.FailureThreshold
	cfg.Breaker.SuccessThreshold = c.Resilience.SuccessThreshold
	cfg.Breaker.OpenTimeout = c.Resilience.OpenTimeout

	cfg.Cache.DefaultTTL = c.Cache.DefaultTTL
	cfg.Cache.InvalidationChannel = c.Cache.InvalidationChannel
	cfg.Cache.LocalCacheKind = c.Cache.LocalCache
	if c.Cache.LocalMaxTTL > 0 {
		cfg.Cache.LocalCacheConfig.MaxTTL = c.Cache.LocalMaxTTL
	}
	if c.Cache.LocalMaxSize > 0 {
		cfg.Cache.LocalCacheConfig.MaxSize = c.Cache.LocalMaxSize
	}
	cfg.Cache.DebugMode = c.App.Env == "development"
	cfg.TasksChannel = c.Cache.TasksChannel

	cfg.RateLimit.KeyPrefix = c.RateLimit.KeyPrefix
	cfg.RateLimitStats = c.RateLimit.Stats
	cfg.RateLimitStatsOptions = []ratelimit.RedisStatsOption{
		ratelimit.WithStatsPrefix(c.RateLimit.KeyPrefix + ":stats"),
		ratelimit.WithStatsTTL(c.RateLimit.StatsTTL),
	}

	cfg.Queue.Name = c.Queue.Name
	cfg.Queue.MaxAttempts = c.Queue.MaxAttempts
	cfg.Queue.BackoffBase = c.Queue.BackoffBase
	cfg.Queue.BackoffMax = c.Queue.BackoffMax
	return cfg
}

// DefaultRule returns the fallback rate limit rule.
func (c *Config) DefaultRule() (ratelimit.Rule, error) {
	strategy, err := ratelimit.ParseStrategy(c.RateLimit.Strategy)
	if err != nil {
		return ratelimit.Rule{}, err
	}
	return ratelimit.Rule{
		Name:     ratelimit.DefaultRuleName,
		Limit:    c.RateLimit.DefaultLimit,
		Window:   c.RateLimit.DefaultWindow,
		Cost:     1,
		Strategy: strategy,
	}, nil
}

// WorkerOptions returns the queue worker options.
func (c *Config) WorkerOptions() queue.WorkerOptions {
	opts := queue.DefaultWorkerOptions()
	opts.Concurrency = c.Queue.Concurrency
	opts.LeaseDuration = c.Queue.LeaseDuration
	opts.JobTimeout = c.Queue.JobTimeout
	return opts
}

// SweeperOptions returns the overdue sweeper options.
func (c *Config) SweeperOptions() queue.SweeperOptions {
	opts := queue.DefaultSweeperOptions()
	opts.Interval = c.Sweep.Interval
	opts.BatchSize = c.Sweep.BatchSize
	opts.MarkerTTL = c.Sweep.MarkerTTL
	return opts
}
