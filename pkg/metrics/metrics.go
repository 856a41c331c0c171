package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/prometheus/client_golang/prometheus"
)

// Quantiles exported for every tracked operation.
var Quantiles = []float64{0.5, 0.9, 0.95, 0.99}

type opKey struct {
	backend   string
	operation string
}

// LatencyTracker keeps a DDSketch per backend operation. It is a
// prometheus.Collector exporting each sketch as a summary, so quantiles stay
// within the sketch's relative accuracy however long the process runs.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[opKey]*ddsketch.DDSketch
	relativeAccuracy float64
	desc             *prometheus.Desc
}

// NewLatencyTracker creates a tracker whose quantile estimates are within
// relativeAccuracy of the true value (e.g. 0.01 for 1%).
func NewLatencyTracker(namespace string, relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[opKey]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "backend_operation_latency_seconds"),
			"Latency quantiles of durable backend operations",
			[]string{"backend", "operation"}, nil,
		),
	}
}

// Record records one call of operation on backend.
func (lt *LatencyTracker) Record(backend, operation string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	key := opKey{backend, operation}
	sketch, ok := lt.sketches[key]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[key] = sketch
	}
	sketch.Add(d.Seconds())
}

// Stats summarizes one backend operation.
type Stats struct {
	Backend   string
	Operation string
	Count     int64
	Min       time.Duration
	P50       time.Duration
	P90       time.Duration
	P99       time.Duration
	Max       time.Duration
}

// Stats returns the summary of operation on backend.
func (lt *LatencyTracker) Stats(backend, operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	sketch, ok := lt.sketches[opKey{backend, operation}]
	if !ok {
		return Stats{}, fmt.Errorf("no latency data for %s %s", backend, operation)
	}
	return stats(opKey{backend, operation}, sketch), nil
}

func stats(key opKey, sketch *ddsketch.DDSketch) Stats {
	s := Stats{Backend: key.backend, Operation: key.operation, Count: int64(sketch.GetCount())}
	if s.Count == 0 {
		return s
	}
	seconds := func(v float64, _ error) time.Duration {
		return time.Duration(v * float64(time.Second))
	}
	s.Min = seconds(sketch.GetMinValue())
	s.P50 = seconds(sketch.GetValueAtQuantile(0.50))
	s.P90 = seconds(sketch.GetValueAtQuantile(0.90))
	s.P99 = seconds(sketch.GetValueAtQuantile(0.99))
	s.Max = seconds(sketch.GetMaxValue())
	return s
}

// AllStats returns every tracked operation, ordered by backend then operation.
func (lt *LatencyTracker) AllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	all := make([]Stats, 0, len(lt.sketches))
	for key, sketch := range lt.sketches {
		all = append(all, stats(key, sketch))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Backend != all[j].Backend {
			return all[i].Backend < all[j].Backend
		}
		return all[i].Operation < all[j].Operation
	})
	return all
}

// LogStats logs one line per tracked operation.
func (lt *LatencyTracker) LogStats(logger *slog.Logger) {
	for _, s := range lt.AllStats() {
		logger.Info("backend latency",
			"backend", s.Backend,
			"operation", s.Operation,
			"count", s.Count,
			"min", s.Min,
			"p50", s.P50,
			"p90", s.P90,
			"p99", s.P99,
			"max", s.Max)
	}
}

func (lt *LatencyTracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- lt.desc
}

func (lt *LatencyTracker) Collect(ch chan<- prometheus.Metric) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for key, sketch := range lt.sketches {
		count := sketch.GetCount()
		if count == 0 {
			continue
		}
		quantiles := make(map[float64]float64, len(Quantiles))
		for _, q := range Quantiles {
			if v, err := sketch.GetValueAtQuantile(q); err == nil {
				quantiles[q] = v
			}
		}
		ch <- prometheus.MustNewConstSummary(lt.desc,
			uint64(count), sketch.GetSum(), quantiles,
			key.backend, key.operation)
	}
}
