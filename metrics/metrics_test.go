package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/resilience"
)

func TestObserveHooks(t *testing.T) {
	m, err := New(Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	m.ObserveBreaker("redis", resilience.StateClosed, resilience.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("redis", "open")))

	m.ObserveDecision("tasks.list", "allowed")
	m.ObserveDecision("tasks.list", "allowed")
	m.ObserveDecision("tasks.list", "denied")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("tasks.list", "allowed")))

	m.ObserveJob("task-status-update", "completed", 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("task-status-update", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.JobDuration))
}

func TestTrackBreakerPublishesInitialState(t *testing.T) {
	m, err := New(Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Zero(t, testutil.CollectAndCount(m.BreakerState))

	cfg := resilience.DefaultBreakerConfig()
	cfg.Name = "redis"
	b, err := resilience.NewCircuitBreaker(cfg)
	require.NoError(t, err)

	m.TrackBreaker(b)
	assert.Equal(t, 1, testutil.CollectAndCount(m.BreakerState))
	assert.Equal(t, float64(resilience.StateClosed), testutil.ToFloat64(m.BreakerState.WithLabelValues("redis")))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(Options{Registerer: reg})
	require.NoError(t, err)
	second, err := New(Options{Registerer: reg})
	require.NoError(t, err)

	first.ObserveDecision("r", "denied")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.RateLimitDecisions.WithLabelValues("r", "denied")))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveBreaker("redis", resilience.StateOpen, resilience.StateHalfOpen)
		m.ObserveDecision("r", "allowed")
		m.ObserveJob("k", "completed", time.Second)
	})
}

func TestCacheCollector(t *testing.T) {
	c := NewCacheCollector("", func() cache.Stats {
		return cache.Stats{RemoteHits: 7, CorruptedEntries: 1, LocalEntries: 3}
	})

	expected := `
# HELP taskcore_cache_corrupted_entries_total Entries that failed to decode.
# TYPE taskcore_cache_corrupted_entries_total counter
taskcore_cache_corrupted_entries_total 1
# HELP taskcore_cache_local_entries Entries currently held by the near-cache.
# TYPE taskcore_cache_local_entries gauge
taskcore_cache_local_entries 3
# HELP taskcore_cache_remote_hits_total Shared store hits.
# TYPE taskcore_cache_remote_hits_total counter
taskcore_cache_remote_hits_total 7
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"taskcore_cache_remote_hits_total", "taskcore_cache_corrupted_entries_total", "taskcore_cache_local_entries")
	assert.NoError(t, err)
	assert.Equal(t, 9, testutil.CollectAndCount(c))
}
