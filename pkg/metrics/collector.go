package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results of a memoized call, used as the "result" label.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultStale     = "stale"
	ResultIgnored   = "ignored"
	ResultContended = "contended"
	ResultAcquired  = "acquired"
	ResultError     = "error"
)

// Collector exports cache, backend and guard metrics to prometheus. All
// methods are safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry
	latency  *LatencyTracker

	memoRequests  *prometheus.CounterVec
	backendOps    *prometheus.CounterVec
	guardAcquires *prometheus.CounterVec
	localLookups  *prometheus.CounterVec
	evictions     prometheus.Counter
	cacheBytes    prometheus.Gauge
	cacheEntries  prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		latency:  NewLatencyTracker(namespace, 0.01),
	}

	c.memoRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memo_requests_total",
			Help:      "Memoized calls by outcome",
		},
		[]string{"result"},
	)
	c.backendOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operations_total",
			Help:      "Durable backend operations",
		},
		[]string{"backend", "operation", "status"},
	)
	c.guardAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_acquires_total",
			Help:      "Execution guard acquisition attempts",
		},
		[]string{"result"},
	)
	c.localLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_lookups_total",
			Help:      "Local cache lookups by the resolver",
		},
		[]string{"result"},
	)
	c.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Files evicted from the local cache",
	})
	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_size_bytes",
		Help:      "Bytes tracked by the local cache",
	})
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Files tracked by the local cache",
	})

	c.registry.MustRegister(
		c.memoRequests,
		c.backendOps,
		c.latency,
		c.guardAcquires,
		c.localLookups,
		c.evictions,
		c.cacheBytes,
		c.cacheEntries,
	)
	return c
}

// Registry returns the underlying prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Latency returns the per-operation latency sketches fed by BackendOp.
func (c *Collector) Latency() *LatencyTracker {
	if c == nil {
		return nil
	}
	return c.latency
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// MemoResult counts one memoized call.
func (c *Collector) MemoResult(result string) {
	if c == nil {
		return
	}
	c.memoRequests.WithLabelValues(result).Inc()
}

// BackendOp records one backend call.
func (c *Collector) BackendOp(backend, op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.backendOps.WithLabelValues(backend, op, status).Inc()
	c.latency.Record(backend, op, d)
}

// GuardAcquire counts one guard acquisition attempt.
func (c *Collector) GuardAcquire(result string) {
	if c == nil {
		return
	}
	c.guardAcquires.WithLabelValues(result).Inc()
}

// LocalLookup counts one resolver lookup in the local cache.
func (c *Collector) LocalLookup(hit bool) {
	if c == nil {
		return
	}
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	c.localLookups.WithLabelValues(result).Inc()
}

// Eviction counts one evicted file.
func (c *Collector) Eviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

// CacheState publishes the local cache's current size.
func (c *Collector) CacheState(bytes int64, entries int) {
	if c == nil {
		return
	}
	c.cacheBytes.Set(float64(bytes))
	c.cacheEntries.Set(float64(entries))
}
