// Package metrics exposes the sync engine's Prometheus collectors. The
// engine never starts its own HTTP listener — it has no public API surface
// — so an embedding app registers these collectors against its own
// /metrics endpoint if it has one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the engine emits. Constructed once per
// process and threaded into components via constructor injection, never
// package-level globals.
type Registry struct {
	PushDuration   prometheus.Histogram
	PullDuration   prometheus.Histogram
	PushBatchSize  prometheus.Histogram
	ApplyBatchSize prometheus.Histogram

	DirtyTableDepth   prometheus.Gauge
	PendingColumns    prometheus.Gauge
	DebounceMillis    prometheus.Gauge
	RealtimeReconnect prometheus.Counter

	PushFailures  *prometheus.CounterVec
	PullFailures  *prometheus.CounterVec
	ConflictDrops prometheus.Counter
}

// NewRegistry constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the global default
// registry; pass prometheus.DefaultRegisterer in production if the
// embedding app doesn't supply its own.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		PushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_push_duration_seconds",
			Help:    "Duration of a single push() call, including server round-trip.",
			Buckets: prometheus.DefBuckets,
		}),
		PullDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_pull_duration_seconds",
			Help:    "Duration of a single pull() call, including all pages.",
			Buckets: prometheus.DefBuckets,
		}),
		PushBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_push_batch_changes",
			Help:    "Number of column changes in a pushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ApplyBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_apply_batch_changes",
			Help:    "Number of column changes applied in a single transaction.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		DirtyTableDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_dirty_tables",
			Help: "Current number of tables with uncommitted local writes.",
		}),
		PendingColumns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_pending_columns",
			Help: "Current number of quarantined (schema-unknown) columns.",
		}),
		DebounceMillis: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_push_debounce_ms",
			Help: "Current adaptive push debounce interval in milliseconds.",
		}),
		RealtimeReconnect: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_realtime_reconnects_total",
			Help: "Total realtime listener reconnect attempts.",
		}),
		PushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_push_failures_total",
			Help: "Push failures by backend.",
		}, []string{"backend"}),
		PullFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_pull_failures_total",
			Help: "Pull failures by backend.",
		}, []string{"backend"}),
		ConflictDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_hlc_conflict_drops_total",
			Help: "Total incoming column changes dropped by HLC dominance (ConflictResolved).",
		}),
	}
}
