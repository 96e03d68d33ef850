// Package metrics exposes Prometheus counters of an execution context. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "uow"

	CacheSubsystem = "cache"
	FlushSubsystem = "flush"
)

type Metrics struct {
	CacheRequests  *prometheus.CounterVec
	L2Puts         prometheus.Counter
	L2Evictions    prometheus.Counter
	FlushPasses    prometheus.Counter
	FlushDuration  prometheus.Histogram
	Conflicts      prometheus.Counter
	ObjectsWritten *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (nil skips registration).
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CacheSubsystem,
			Name:      "requests_total",
			Help:      "Object cache lookups by level and result.",
		}, []string{"level", "result"}),
		L2Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CacheSubsystem,
			Name:      "l2_puts_total",
			Help:      "Snapshots written to the shared cache.",
		}),
		L2Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: CacheSubsystem,
			Name:      "l2_evictions_total",
			Help:      "Identities evicted from the shared cache.",
		}),
		FlushPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: FlushSubsystem,
			Name:      "passes_total",
			Help:      "Flush passes executed.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: FlushSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration of flush calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: FlushSubsystem,
			Name:      "optimistic_conflicts_total",
			Help:      "Optimistic lock conflicts detected at flush.",
		}),
		ObjectsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: FlushSubsystem,
			Name:      "objects_written_total",
			Help:      "Objects written to the store by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.CacheRequests, m.L2Puts, m.L2Evictions, m.FlushPasses,
			m.FlushDuration, m.Conflicts, m.ObjectsWritten} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func (m *Metrics) L1Lookup(hit bool) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("l1", result(hit)).Inc()
}

func (m *Metrics) L2Lookup(hit bool) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("l2", result(hit)).Inc()
}

func (m *Metrics) AddL2Puts(n int) {
	if m == nil {
		return
	}
	m.L2Puts.Add(float64(n))
}

func (m *Metrics) AddL2Evictions(n int) {
	if m == nil {
		return
	}
	m.L2Evictions.Add(float64(n))
}

func (m *Metrics) FlushPass() {
	if m == nil {
		return
	}
	m.FlushPasses.Inc()
}

// ObserveFlush records the duration of a flush started at start.
func (m *Metrics) ObserveFlush(start time.Time) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddConflicts(n int) {
	if m == nil {
		return
	}
	m.Conflicts.Add(float64(n))
}

// Written counts one object written with kind (insert, update, delete).
func (m *Metrics) Written(kind string) {
	if m == nil {
		return
	}
	m.ObjectsWritten.WithLabelValues(kind).Inc()
}
