package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, clock *fakeClock, changes *[]string) *CircuitBreaker {
	t.Helper()
	cfg := DefaultBreakerConfig()
	cfg.Now = clock.Now
	if changes != nil {
		cfg.OnStateChange = func(name string, from, to State) {
			*changes = append(*changes, from.String()+"->"+to.String())
		}
	}
	b, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return b
}

func fail(t *testing.T, b *CircuitBreaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(errBoom)
}

func succeed(t *testing.T, b *CircuitBreaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(nil)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(t, newFakeClock(), nil)

	fail(t, b)
	fail(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())

	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, nil)

	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	done, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one probe in flight")

	done(nil)
	succeed(t, b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := newTestBreaker(t, newFakeClock(), nil)

	for i := 0; i < 5; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStaleOutcomeIsDropped(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, nil)

	slow, err := b.Allow()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	require.Equal(t, StateOpen, b.State())

	// finishes after the circuit already moved on
	slow(nil)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var changes []string
	b := newTestBreaker(t, clock, &changes)

	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)
	succeed(t, b)
	succeed(t, b)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)

	b.Reset()
	assert.Len(t, changes, 3, "reset of a closed breaker is not a transition")
}

func TestBreakerConfigValidate(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.OpenTimeout = 0
	_, err := NewCircuitBreaker(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
