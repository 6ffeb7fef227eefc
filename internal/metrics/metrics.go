// Package metrics provides Prometheus metrics for the custody ledger
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the custody ledger
type Metrics struct {
	// Ledger operation metrics
	LedgerOperationsTotal   *prometheus.CounterVec
	LedgerOperationDuration *prometheus.HistogramVec

	// Tree/arena gauges
	LiveRangesTotal    prometheus.Gauge
	FreeNodesTotal     prometheus.Gauge
	ArenaCapacityTotal prometheus.Gauge

	// Drain metrics
	DrainedRangesTotal prometheus.Counter
	DrainDuration      prometheus.Histogram

	// Journal metrics
	JournalAppendsTotal  prometheus.Counter
	JournalCheckpoints   prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpcustody_ledger_operations_total",
			Help: "Total number of custody ledger operations by kind and result",
		},
		[]string{"operation", "status"},
	)

	m.LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bpcustody_ledger_operation_duration_seconds",
			Help:    "Duration of custody ledger operations in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"operation"},
	)

	m.LiveRangesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bpcustody_live_ranges_total",
			Help: "Number of live custody ranges currently held in the tree",
		},
	)

	m.FreeNodesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bpcustody_free_nodes_total",
			Help: "Number of unused arena slots remaining",
		},
	)

	m.ArenaCapacityTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bpcustody_arena_capacity_total",
			Help: "Total arena capacity the tree was created with",
		},
	)

	m.DrainedRangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpcustody_drained_ranges_total",
			Help: "Total number of ranges emitted by Drain across the process lifetime",
		},
	)

	m.DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bpcustody_drain_duration_seconds",
			Help:    "Duration of full Drain calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.JournalAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpcustody_journal_appends_total",
			Help: "Total number of entries appended to the custody journal",
		},
	)

	m.JournalCheckpoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpcustody_journal_checkpoints_total",
			Help: "Total number of checkpoints written",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bpcustody_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordLedgerOperation records a ledger-level mutation with its result
func (m *Metrics) RecordLedgerOperation(operation string, status string, duration time.Duration) {
	m.LedgerOperationsTotal.WithLabelValues(operation, status).Inc()
	m.LedgerOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDrain records the duration and range count of a completed drain
func (m *Metrics) RecordDrain(rangeCount int, duration time.Duration) {
	m.DrainedRangesTotal.Add(float64(rangeCount))
	m.DrainDuration.Observe(duration.Seconds())
}

// RecordJournalAppend records a single journal entry append
func (m *Metrics) RecordJournalAppend() {
	m.JournalAppendsTotal.Inc()
}

// RecordJournalCheckpoint records a checkpoint write
func (m *Metrics) RecordJournalCheckpoint() {
	m.JournalCheckpoints.Inc()
}

// UpdateTreeStats updates the tree/arena occupancy gauges
func (m *Metrics) UpdateTreeStats(liveRanges, freeNodes, capacity uint32) {
	m.LiveRangesTotal.Set(float64(liveRanges))
	m.FreeNodesTotal.Set(float64(freeNodes))
	m.ArenaCapacityTotal.Set(float64(capacity))
}
