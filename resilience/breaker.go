package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the state of a circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	SuccessThreshold int

	// OpenTimeout is the cool-down before an open circuit turns half-open.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "redis",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Validate validates the configuration.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return ErrInvalidConfig
	}
	if c.OpenTimeout <= 0 || c.HalfOpenMaxCalls <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// CircuitBreaker is a process-local consecutive-failure circuit breaker.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	inFlight   int
	openedAt   time.Time
	generation uint64
}

type transition struct {
	from, to State
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}, nil
}

// Name returns the configured breaker name.
func (b *CircuitBreaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	t := b.advance(b.cfg.Now())
	s := b.state
	b.mu.Unlock()
	b.notify(t)
	return s
}

// Allow asks permission for one call. On success the caller must invoke done
// exactly once with the call's error.
func (b *CircuitBreaker) Allow() (done func(err error), err error) {
	b.mu.Lock()
	t := b.advance(b.cfg.Now())

	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		b.notify(t)
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.notify(t)
			return nil, ErrCircuitOpen
		}
		b.inFlight++
	}

	gen := b.generation
	b.mu.Unlock()
	b.notify(t)

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, err) })
	}, nil
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed, b.cfg.Now())
	b.mu.Unlock()
	b.notify(t)
}

func (b *CircuitBreaker) record(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	now := b.cfg.Now()
	var t *transition

	switch b.state {
	case StateClosed:
		switch {
		case err == nil:
			b.failures = 0
		case ignored(err):
		default:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				t = b.setState(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.inFlight--
		switch {
		case err == nil:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				t = b.setState(StateClosed, now)
			}
		case ignored(err):
		default:
			t = b.setState(StateOpen, now)
		}
	}
	b.mu.Unlock()
	b.notify(t)
}

// advance must be called with mu held.
func (b *CircuitBreaker) advance(now time.Time) *transition {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		return b.setState(StateHalfOpen, now)
	}
	return nil
}

// setState must be called with mu held.
func (b *CircuitBreaker) setState(to State, now time.Time) *transition {
	from := b.state
	b.generation++
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = now
	}
	if from == to {
		return nil
	}
	b.state = to
	return &transition{from: from, to: to}
}

func (b *CircuitBreaker) notify(t *transition) {
	if t == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
}

// ignored reports errors that say nothing about the dependency's health.
func ignored(err error) bool {
	return IsPermanent(err) || errors.Is(err, context.Canceled)
}
