// Package ratelimit counts requests per identity in shared Redis so every
// service instance enforces the same budget.
//
// Every attempt counts toward the window, including attempts that are
// rejected. A fixed-window call retried after a lost reply counts twice. When Redis stays unavailable after the resilience policy gives
// up, the limiter fails closed with ErrLimiterUnavailable.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/resilience"
)

// Strategy selects how a window is bucketed.
type Strategy int

const (
	// FixedWindow counts per aligned window (INCRBY on a bucketed key).
	FixedWindow Strategy = iota
	// SlidingWindow counts attempts in the trailing window (sorted set).
	SlidingWindow
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case FixedWindow:
		return "fixed"
	case SlidingWindow:
		return "sliding"
	default:
		return "unknown"
	}
}

// ParseStrategy parses "fixed" or "sliding". An empty string means fixed.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "fixed":
		return FixedWindow, nil
	case "sliding":
		return SlidingWindow, nil
	default:
		return 0, fmt.Errorf("unknown rate limit strategy %q", s)
	}
}

// Rule is the budget for one call site.
type Rule struct {
	Name     string
	Limit    int
	Window   time.Duration
	Cost     int
	Strategy Strategy
}

// Validate validates the rule.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: %s: limit must be positive", ErrInvalidRule, r.Name)
	}
	if r.Window < time.Millisecond {
		return fmt.Errorf("%w: %s: window must be at least 1ms", ErrInvalidRule, r.Name)
	}
	if r.Cost < 0 {
		return fmt.Errorf("%w: %s: cost must not be negative", ErrInvalidRule, r.Name)
	}
	return nil
}

func (r Rule) cost() int {
	if r.Cost <= 0 {
		return 1
	}
	return r.Cost
}

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Count      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Options configures a Limiter.
type Options struct {
	// KeyPrefix namespaces counters in Redis.
	KeyPrefix string

	// Logger receives rejections at debug and outages at error level.
	Logger logging.Logger

	// Stats, when set, records allowed/denied counters best-effort.
	Stats *RedisStats

	// OnDecision is called with "allowed", "rejected" or "unavailable".
	OnDecision func(rule, outcome string)

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultOptions returns default limiter options.
func DefaultOptions() Options {
	return Options{KeyPrefix: "ratelimit"}
}

// Limiter enforces Rules against counters in Redis.
type Limiter struct {
	client redis.UniversalClient
	policy *resilience.Policy
	opts   Options
	logger logging.Logger
	now    func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(client redis.UniversalClient, policy *resilience.Policy, opts Options) (*Limiter, error) {
	if client == nil || policy == nil {
		return nil, errors.New("ratelimit: client and policy are required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "ratelimit"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		client: client,
		policy: policy,
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
		now:    opts.Now,
	}, nil
}

// Consume charges rule.Cost against identity's budget under rule.
func (l *Limiter) Consume(ctx context.Context, identity string, rule Rule) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	if identity == "" {
		return Decision{}, ErrEmptyIdentity
	}

	now := l.now()
	var (
		d   Decision
		err error
	)
	switch rule.Strategy {
	case SlidingWindow:
		d, err = l.consumeSliding(ctx, identity, rule, now)
	default:
		d, err = l.consumeFixed(ctx, identity, rule, now)
	}
	if err != nil && ctx.Err() != nil {
		return Decision{}, err
	}
	if err != nil {
		l.observe(rule.Name, "unavailable")
		l.logger.Error("rate limiter unavailable, rejecting",
			"rule", rule.Name,
			"correlation_id", logging.CorrelationID(ctx),
			"error", err)
		return Decision{}, fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
	}

	if d.Allowed {
		l.observe(rule.Name, "allowed")
	} else {
		l.observe(rule.Name, "rejected")
		l.logger.Debug("rate limit exceeded",
			"rule", rule.Name,
			"limit", d.Limit,
			"count", d.Count,
			"retry_after", d.RetryAfter)
	}
	l.record(ctx, rule.Name, d.Allowed, now)
	return d, nil
}

func (l *Limiter) consumeFixed(ctx context.Context, identity string, rule Rule, now time.Time) (Decision, error) {
	windowMs := rule.Window.Milliseconds()
	nowMs := now.UnixMilli()
	start := nowMs - nowMs%windowMs
	resetAt := time.UnixMilli(start + windowMs).UTC()

	key := l.key(rule, identity) + ":" + strconv.FormatInt(start, 10)

	count, err := resilience.Do(ctx, l.policy, "ratelimit.fixed", func(ctx context.Context) (int64, error) {
		return fixedWindowScript.Run(ctx, l.client, []string{key}, rule.cost(), windowMs).Int64()
	})
	if err != nil {
		return Decision{}, err
	}
	return decide(rule, int(count), now, resetAt), nil
}

func (l *Limiter) consumeSliding(ctx context.Context, identity string, rule Rule, now time.Time) (Decision, error) {
	windowMs := rule.Window.Milliseconds()
	key := l.key(rule, identity)
	member := uuid.NewString()

	res, err := resilience.Do(ctx, l.policy, "ratelimit.sliding", func(ctx context.Context) ([]int64, error) {
		return slidingWindowScript.Run(ctx, l.client, []string{key}, now.UnixMilli(), windowMs, rule.cost(), member).Int64Slice()
	})
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("sliding window script returned %d values", len(res))
	}
	resetAt := time.UnixMilli(res[1] + windowMs).UTC()
	return decide(rule, int(res[0]), now, resetAt), nil
}

func decide(rule Rule, count int, now, resetAt time.Time) Decision {
	d := Decision{
		Allowed: count <= rule.Limit,
		Limit:   rule.Limit,
		Count:   count,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = rule.Limit - count
		return d
	}
	d.RetryAfter = resetAt.Sub(now)
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d
}

func (l *Limiter) key(rule Rule, identity string) string {
	return fmt.Sprintf("%s:%s:%s:{%s}", l.opts.KeyPrefix, rule.Strategy, rule.Name, HashIdentity(identity))
}

func (l *Limiter) observe(rule, outcome string) {
	if l.opts.OnDecision != nil {
		l.opts.OnDecision(rule, outcome)
	}
}

// record writes stats only while the breaker is closed so a struggling Redis
// is not charged for bookkeeping.
func (l *Limiter) record(ctx context.Context, rule string, allowed bool, at time.Time) {
	if l.opts.Stats == nil || l.policy.Breaker().State() != resilience.StateClosed {
		return
	}
	if err := l.opts.Stats.Record(ctx, rule, allowed, at); err != nil {
		l.logger.Debug("rate limit stats not recorded", "rule", rule, "error", err)
	}
}

// HashIdentity returns a stable, non-reversible form of identity for use in
// Redis keys.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:12])
}

// ErrLimiterUnavailable is returned when the counter store cannot be reached.
// Callers must treat it as a rejection distinct from an exceeded limit.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// ErrInvalidRule is returned for a rule that cannot be enforced.
var ErrInvalidRule = errors.New("invalid rate limit rule")

// ErrEmptyIdentity is returned when no identity could be derived.
var ErrEmptyIdentity = errors.New("rate limit identity is empty")
