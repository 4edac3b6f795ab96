package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit open")

// ErrDependencyUnavailable is returned when every attempt failed.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// ErrInvalidConfig is returned when a breaker or policy configuration is invalid.
var ErrInvalidConfig = errors.New("invalid resilience configuration")

// Error describes a resilient call that did not succeed. Kind is either
// ErrCircuitOpen or ErrDependencyUnavailable; Err is the last underlying cause.
type Error struct {
	Op       string
	Attempts int
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil || errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s: %v after %d attempt(s)", e.Op, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsDegraded reports whether err means the dependency is unavailable or the
// circuit is open, as opposed to a regular application error.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrDependencyUnavailable)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable and not a dependency failure. The
// policy returns the wrapped error to the caller unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
