package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersCounters(t *testing.T) {
	m := NewMetrics()

	m.PacketsProcessedTotal.Inc()
	m.PacketsExcludedTotal.Inc()
	m.ReportsEmittedTotal.WithLabelValues("portscan").Inc()

	if got := testutil.ToFloat64(m.PacketsProcessedTotal); got != 1 {
		t.Errorf("PacketsProcessedTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PacketsExcludedTotal); got != 1 {
		t.Errorf("PacketsExcludedTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReportsEmittedTotal.WithLabelValues("portscan")); got != 1 {
		t.Errorf("ReportsEmittedTotal{portscan} = %v, want 1", got)
	}
}

func TestUpdateUptimeStopsOnContextCancel(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.updateUptime(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("updateUptime did not return after context cancellation")
	}
}
