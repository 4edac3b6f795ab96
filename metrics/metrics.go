// Package metrics exposes Prometheus collectors for the breaker, the rate
// limiter, the job worker and the cache.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/resilience"
)

// Options configures the collectors.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// Metrics holds the registered collectors. Its methods match the hook
// signatures of the packages they observe.
type Metrics struct {
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	Jobs               *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
}

// New creates and registers the collectors. Collectors already registered
// with the same descriptor are reused.
func New(opts Options) (*Metrics, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "taskcore"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{}
	var err error

	if m.BreakerState, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	}, []string{"breaker"})); err != nil {
		return nil, err
	}

	if m.BreakerTransitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker transitions partitioned by target state.",
	}, []string{"breaker", "to"})); err != nil {
		return nil, err
	}

	if m.RateLimitDecisions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions partitioned by rule and outcome.",
	}, []string{"rule", "outcome"})); err != nil {
		return nil, err
	}

	if m.Jobs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Processed jobs partitioned by kind and outcome.",
	}, []string{"kind", "outcome"})); err != nil {
		return nil, err
	}

	if m.JobDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job processing latency in seconds partitioned by kind.",
		Buckets:   buckets,
	}, []string{"kind"})); err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveBreaker records a breaker transition. It fits
// resilience.BreakerConfig.OnStateChange.
func (m *Metrics) ObserveBreaker(name string, from, to resilience.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// TrackBreaker publishes the breaker's current state so the gauge has a
// series before the first transition.
func (m *Metrics) TrackBreaker(b *resilience.CircuitBreaker) {
	if m == nil || b == nil {
		return
	}
	m.BreakerState.WithLabelValues(b.Name()).Set(float64(b.State()))
}

// ObserveDecision records a rate limiter decision. It fits
// ratelimit.Options.OnDecision.
func (m *Metrics) ObserveDecision(rule, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(rule, outcome).Inc()
}

// ObserveJob records a processed job. It fits queue.WorkerOptions.OnJobDone.
func (m *Metrics) ObserveJob(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// CacheCollector reports cache counters read from a stats snapshot at
// scrape time.
type CacheCollector struct {
	stats func() cache.Stats
	descs map[string]*prometheus.Desc
}

// NewCacheCollector creates a collector over stats, usually
// (*cache.DistributedCache).Stats.
func NewCacheCollector(namespace string, stats func() cache.Stats) *CacheCollector {
	if namespace == "" {
		namespace = "taskcore"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &CacheCollector{
		stats: stats,
		descs: map[string]*prometheus.Desc{
			"local_hits":        desc("local_hits_total", "Near-cache hits."),
			"local_misses":      desc("local_misses_total", "Near-cache misses."),
			"remote_hits":       desc("remote_hits_total", "Shared store hits."),
			"remote_misses":     desc("remote_misses_total", "Shared store misses."),
			"invalidations":     desc("invalidations_total", "Invalidation messages received."),
			"corrupted_entries": desc("corrupted_entries_total", "Entries that failed to decode."),
			"loads":             desc("loads_total", "Loader calls made by GetOrLoad."),
			"local_evictions":   desc("local_evictions_total", "Near-cache capacity evictions."),
			"local_entries":     desc("local_entries", "Entries currently held by the near-cache."),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	values := map[string]int64{
		"local_hits":        s.LocalHits,
		"local_misses":      s.LocalMisses,
		"remote_hits":       s.RemoteHits,
		"remote_misses":     s.RemoteMisses,
		"invalidations":     s.Invalidations,
		"corrupted_entries": s.CorruptedEntries,
		"loads":             s.Loads,
		"local_evictions":   s.LocalEvictions,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	ch <- prometheus.MustNewConstMetric(c.descs["local_entries"], prometheus.GaugeValue, float64(s.LocalEntries))
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, fmt.Errorf("register collector: %w", err)
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
	}
	return existing, nil
}
