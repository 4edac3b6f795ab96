package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStats keeps allowed/denied counters per rule, cumulative and per
// minute.
type RedisStats struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStatsOption configures RedisStats.
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix overrides the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL sets how long per-minute buckets are kept.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

// NewRedisStats creates a stats recorder.
func NewRedisStats(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		client: client,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record increments the counters for one decision in a single round trip.
func (s *RedisStats) Record(ctx context.Context, rule string, allowed bool, at time.Time) error {
	if s == nil || s.client == nil {
		return nil
	}

	field := "denied"
	if allowed {
		field = "allowed"
	}

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", rule+":"+field, 1)

	bucket := s.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, bucket, rule+":"+field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals returns the cumulative counters keyed by "<rule>:<allowed|denied>".
func (s *RedisStats) Totals(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.prefix+":total").Result()
}
