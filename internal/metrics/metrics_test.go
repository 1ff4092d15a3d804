package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New("resilink")

	m.ErrorsTotal.WithLabelValues("connection", "high").Inc()
	m.QueueDepth.WithLabelValues("critical").Set(3)
	m.BreakerState.Set(2)

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("connection", "high")); got != 1 {
		t.Fatalf("expected errors counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("critical")); got != 3 {
		t.Fatalf("expected queue depth 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState); got != 2 {
		t.Fatalf("expected breaker state 2, got %v", got)
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	a := New("resilink")
	b := New("resilink")

	a.Reconnects.Inc()
	if got := testutil.ToFloat64(b.Reconnects); got != 0 {
		t.Fatalf("registries should be isolated, got %v", got)
	}
	if a.Registry() == b.Registry() {
		t.Fatalf("expected distinct registries")
	}
}
