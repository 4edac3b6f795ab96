package taskcore

import (
	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
)

// ErrDependencyUnavailable is returned when the shared store stayed
// unreachable after every retry.
var ErrDependencyUnavailable = resilience.ErrDependencyUnavailable

// ErrCircuitOpen is returned without calling the store while the breaker is
// open.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// ErrInvalidConfig is returned for an invalid resilience configuration.
var ErrInvalidConfig = resilience.ErrInvalidConfig

// ErrNotFound is returned when a key is not in the shared store.
var ErrNotFound = storage.ErrNotFound

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = cache.ErrCacheClosed

// ErrCorruptedEntry is returned when a cached value cannot be decoded.
var ErrCorruptedEntry = cache.ErrCorruptedEntry

// ErrLimiterUnavailable is returned when the limiter cannot reach its
// counters. Requests are rejected while it lasts.
var ErrLimiterUnavailable = ratelimit.ErrLimiterUnavailable

// ErrUnknownJobKind marks a job no handler is registered for.
var ErrUnknownJobKind = queue.ErrUnknownJobKind

// ErrMalformedJob marks a job whose payload cannot be decoded.
var ErrMalformedJob = queue.ErrMalformedJob

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = queue.ErrJobNotFound

// ErrLeaseLost is returned when a job was acked after its lease expired.
var ErrLeaseLost = queue.ErrLeaseLost

// IsDegraded reports whether err means the shared store is unavailable,
// either after exhausting retries or because the breaker is open. Callers
// can fail fast or serve stale data.
func IsDegraded(err error) bool {
	return resilience.IsDegraded(err)
}
