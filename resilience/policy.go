// Package resilience wraps remote calls with bounded retry and a circuit
// breaker.
//
// Each retry attempt asks the breaker for permission, so one logical call can
// consume several breaker decisions and a breaker that opens mid-call stops
// the remaining attempts immediately.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/huykn/taskcore/logging"
)

// PolicyConfig configures the retry half of a Policy.
type PolicyConfig struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// BaseDelay is the first backoff delay; it doubles after every attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay. Zero means uncapped.
	MaxDelay time.Duration

	// Timeout bounds the whole call including backoff. Zero disables it.
	Timeout time.Duration
}

// DefaultPolicyConfig returns the default retry configuration.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Validate validates the configuration.
func (c *PolicyConfig) Validate() error {
	if c.MaxAttempts <= 0 || c.BaseDelay <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay < 0 || c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Policy composes retry and a circuit breaker around remote operations.
type Policy struct {
	cfg     PolicyConfig
	breaker *CircuitBreaker
	logger  logging.Logger
}

// NewPolicy creates a Policy. The breaker is shared by every call made
// through the policy.
func NewPolicy(cfg PolicyConfig, breaker *CircuitBreaker, logger logging.Logger) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if breaker == nil {
		return nil, ErrInvalidConfig
	}
	return &Policy{cfg: cfg, breaker: breaker, logger: logging.OrNoOp(logger)}, nil
}

// Breaker returns the policy's circuit breaker.
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Execute runs fn under the policy. op names the call site in logs and errors.
//
// The returned error is nil, the unwrapped cause of a Permanent error, the
// caller's own ctx.Err(), or an *Error whose Kind is ErrCircuitOpen or
// ErrDependencyUnavailable.
func (p *Policy) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	caller := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var (
		attempts int
		lastErr  error
	)

	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++

		done, err := p.breaker.Allow()
		if err != nil {
			return err
		}

		err = runAttempt(ctx, fn)
		if err != nil && caller.Err() != nil {
			// the caller gave up; not a dependency failure
			done(context.Canceled)
			return err
		}
		done(err)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}

		lastErr = err
		p.logger.Warn("resilient call attempt failed",
			"op", op,
			"attempt", attempts,
			"max_attempts", p.cfg.MaxAttempts,
			"breaker", p.breaker.Name(),
			"correlation_id", logging.CorrelationID(ctx),
			"error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if cerr := caller.Err(); cerr != nil {
		p.logger.Debug("resilient call abandoned by caller",
			"op", op,
			"attempts", attempts,
			"correlation_id", logging.CorrelationID(ctx),
			"error", cerr)
		return cerr
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}

	kind := ErrDependencyUnavailable
	if errors.Is(err, ErrCircuitOpen) {
		kind = ErrCircuitOpen
	}
	if lastErr == nil {
		lastErr = err
	}

	p.logger.Error("resilient call failed",
		"op", op,
		"attempts", attempts,
		"kind", kind.Error(),
		"breaker", p.breaker.Name(),
		"breaker_state", p.breaker.State().String(),
		"correlation_id", logging.CorrelationID(ctx),
		"error", lastErr)

	return &Error{Op: op, Attempts: attempts, Kind: kind, Err: lastErr}
}

func (p *Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.BaseDelay)
	if p.cfg.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.cfg.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), b)
}

// runAttempt runs fn and abandons it once ctx is done.
func runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic in resilient call: %v", r)
			}
		}()
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := p.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
