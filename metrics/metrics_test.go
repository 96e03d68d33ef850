package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.L1Lookup(true)
	m.L1Lookup(false)
	m.L2Lookup(true)
	m.AddL2Puts(3)
	m.AddConflicts(2)
	m.FlushPass()
	m.Written("insert")
	m.ObserveFlush(time.Now())

	if v := testutil.ToFloat64(m.CacheRequests.WithLabelValues("l1", "hit")); v != 1 {
		t.Errorf("expected 1 l1 hit, got %v", v)
	}
	if v := testutil.ToFloat64(m.L2Puts); v != 3 {
		t.Errorf("expected 3 l2 puts, got %v", v)
	}
	if v := testutil.ToFloat64(m.Conflicts); v != 2 {
		t.Errorf("expected 2 conflicts, got %v", v)
	}
	if n := testutil.CollectAndCount(m.ObjectsWritten); n != 1 {
		t.Errorf("expected 1 written series, got %d", n)
	}
	if _, err := New(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.L1Lookup(true)
	m.AddL2Evictions(1)
	m.ObserveFlush(time.Now())
}
