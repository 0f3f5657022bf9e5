// Package observability — metrics.go
//
// Prometheus metrics for the netspade engine.
//
// Endpoint: GET /metrics (configurable bind address).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: netspade_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Detector id is used as a label; the number of configured detectors
//     is small and fixed at startup, so this is bounded cardinality.
//   - Source/destination addresses are never used as labels.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Packet intake ────────────────────────────────────────────────────

	// PacketsProcessedTotal counts packets handed to Engine.OnPacket.
	PacketsProcessedTotal prometheus.Counter

	// PacketsExcludedTotal counts packets dropped by global exclusion lists.
	PacketsExcludedTotal prometheus.Counter

	// ─── Reports ──────────────────────────────────────────────────────────

	// ReportsEmittedTotal counts reports handed to the report callback.
	// Labels: detector_id
	ReportsEmittedTotal *prometheus.CounterVec

	// ReportsCancelledTotal counts tentative reports cancelled by
	// disconfirming evidence before they were emitted.
	// Labels: detector_id
	ReportsCancelledTotal *prometheus.CounterVec

	// ReportsBelowThresholdTotal counts scored packets that did not cross
	// the detector's current threshold.
	// Labels: detector_id
	ReportsBelowThresholdTotal *prometheus.CounterVec

	// AnomalyScoreHistogram records the distribution of emitted scores.
	AnomalyScoreHistogram prometheus.Histogram

	// ─── Probability tables ──────────────────────────────────────────────

	// TableEntropyGauge reports the last-computed entropy for each
	// detector's primary table.
	// Labels: detector_id
	TableEntropyGauge *prometheus.GaugeVec

	// TableRecordCount reports the number of distinct leaf values recorded
	// in each detector's primary table.
	// Labels: detector_id
	TableRecordCount *prometheus.GaugeVec

	// ArenaBlocksUsed reports slab blocks in use, by arena kind (root,
	// interior, leaf).
	// Labels: arena
	ArenaBlocksUsed *prometheus.GaugeVec

	// ScaleOperationsTotal counts scale_and_prune passes performed.
	// Labels: detector_id
	ScaleOperationsTotal *prometheus.CounterVec

	// ─── Response canceller ───────────────────────────────────────────────

	// CancellerPendingGauge is the number of tentative reports currently
	// waiting in the time wheel.
	CancellerPendingGauge prometheus.Gauge

	// CancellerBucketDepth is the size of the busiest time-wheel bucket
	// observed at the last tick.
	CancellerBucketDepth prometheus.Gauge

	// ─── Threshold manager ────────────────────────────────────────────────

	// ThresholdValue is the current live threshold for each adaptive
	// detector.
	// Labels: detector_id
	ThresholdValue *prometheus.GaugeVec

	// ThresholdAdjustmentsTotal counts period-end threshold recomputations.
	// Labels: detector_id
	ThresholdAdjustmentsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB ledger append latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the engine started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all netspade Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PacketsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "packets",
			Name:      "processed_total",
			Help:      "Total packets handed to the engine.",
		}),

		PacketsExcludedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "packets",
			Name:      "excluded_total",
			Help:      "Total packets dropped by global exclusion lists.",
		}),

		ReportsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "reports",
			Name:      "emitted_total",
			Help:      "Total reports delivered to the report callback, by detector id.",
		}, []string{"detector_id"}),

		ReportsCancelledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "reports",
			Name:      "cancelled_total",
			Help:      "Total tentative reports cancelled by disconfirming evidence.",
		}, []string{"detector_id"}),

		ReportsBelowThresholdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "reports",
			Name:      "below_threshold_total",
			Help:      "Total scored packets that did not cross the live threshold.",
		}, []string{"detector_id"}),

		AnomalyScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netspade",
			Subsystem: "reports",
			Name:      "score",
			Help:      "Distribution of emitted anomaly scores.",
			Buckets:   []float64{1, 2, 4, 8, 12, 16, 24, 32, 48},
		}),

		TableEntropyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "table",
			Name:      "entropy_bits",
			Help:      "Last computed entropy of a detector's primary table, in bits.",
		}, []string{"detector_id"}),

		TableRecordCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "table",
			Name:      "record_count",
			Help:      "Number of distinct leaf values in a detector's primary table.",
		}, []string{"detector_id"}),

		ArenaBlocksUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "arena",
			Name:      "blocks_used",
			Help:      "Slab blocks in use, by arena kind.",
		}, []string{"arena"}),

		ScaleOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "table",
			Name:      "scale_operations_total",
			Help:      "Total scale_and_prune passes performed, by detector id.",
		}, []string{"detector_id"}),

		CancellerPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "canceller",
			Name:      "pending_reports",
			Help:      "Tentative reports currently awaiting confirmation or timeout.",
		}),

		CancellerBucketDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "canceller",
			Name:      "bucket_depth",
			Help:      "Size of the busiest time-wheel bucket at the last tick.",
		}),

		ThresholdValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "threshold",
			Name:      "value",
			Help:      "Current live reporting threshold, by detector id.",
		}, []string{"detector_id"}),

		ThresholdAdjustmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netspade",
			Subsystem: "threshold",
			Name:      "adjustments_total",
			Help:      "Total period-end threshold recomputations, by detector id.",
		}, []string{"detector_id"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netspade",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB ledger append latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netspade",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the engine started.",
		}),
	}

	reg.MustRegister(
		m.PacketsProcessedTotal,
		m.PacketsExcludedTotal,
		m.ReportsEmittedTotal,
		m.ReportsCancelledTotal,
		m.ReportsBelowThresholdTotal,
		m.AnomalyScoreHistogram,
		m.TableEntropyGauge,
		m.TableRecordCount,
		m.ArenaBlocksUsed,
		m.ScaleOperationsTotal,
		m.CancellerPendingGauge,
		m.CancellerBucketDepth,
		m.ThresholdValue,
		m.ThresholdAdjustmentsTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
