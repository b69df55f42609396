package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_ledger_entries_total",
			Help: "Total number of ledger entries recorded by entry type",
		},
		[]string{"entry_type"},
	)

	LedgerSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_ledger_sequence",
			Help: "Highest ledger sequence number assigned",
		},
	)

	LedgerWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_ledger_write_duration_seconds",
			Help:    "Time taken to record one ledger transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerVerifyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_ledger_verify_errors_total",
			Help: "Total number of integrity errors found by verification",
		},
	)

	LeaseAcquireFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_ledger_lease_failures_total",
			Help: "Total number of writer lease acquisitions that exhausted retries",
		},
	)

	// Resource metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_resources_total",
			Help: "Total number of registered resources by type and status",
		},
		[]string{"type", "status"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_heartbeats_received_total",
			Help: "Total number of resource heartbeats received",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_sessions_active",
			Help: "Number of live sessions",
		},
	)

	SessionsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_sessions_timed_out_total",
			Help: "Total number of sessions ended by the timeout scanner",
		},
	)

	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_builds_total",
			Help: "Total number of builds by final status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_build_duration_seconds",
			Help:    "Wall-clock build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	BundlesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_bundles_executed_total",
			Help: "Total number of bundle executions by outcome",
		},
		[]string{"outcome"},
	)

	// Watcher metrics
	ChangeBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_change_batches_total",
			Help: "Total number of debounced change batches by impact",
		},
		[]string{"impact"},
	)

	// Backend metrics
	BackendOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_backend_operations_total",
			Help: "Total number of durable backend operations by operation",
		},
		[]string{"op"},
	)

	BackendOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnet_backend_operation_duration_seconds",
			Help:    "Durable backend operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Tracker metrics
	TrackerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_tracker_subscribers",
			Help: "Number of live dashboard subscribers",
		},
	)

	TrackerBroadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_tracker_broadcasts_total",
			Help: "Total number of incremental broadcasts flushed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LedgerEntriesTotal)
	prometheus.MustRegister(LedgerSequence)
	prometheus.MustRegister(LedgerWriteDuration)
	prometheus.MustRegister(LedgerVerifyErrors)
	prometheus.MustRegister(LeaseAcquireFailures)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTimedOut)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BundlesExecuted)
	prometheus.MustRegister(ChangeBatchesTotal)
	prometheus.MustRegister(BackendOperationsTotal)
	prometheus.MustRegister(BackendOperationDuration)
	prometheus.MustRegister(TrackerSubscribers)
	prometheus.MustRegister(TrackerBroadcasts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
