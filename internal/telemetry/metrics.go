// Package telemetry provides application-level observability for the OCR gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<OCR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Conversion outcomes and engine latency
//   - Job cache hits and in-flight conversions
//   - Auth rejections and usage log write failures
//   - Stale job sweeps
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /status/:key) rather
// than the raw request URL, so content keys never become label values.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// Conversions are synchronous, so the upper buckets reach the engine timeout.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"method", "path"},
	)
)

// Conversion metrics, recorded once per owned conversion attempt.
//
// ConversionsTotal has labels {engine, outcome} where outcome is one of
// succeeded, failed, timeout.
//
// Example PromQL queries:
//   - Failure ratio:      sum(rate(ocr_conversions_total{outcome!="succeeded"}[1h])) / sum(rate(ocr_conversions_total[1h]))
//   - p95 engine latency: histogram_quantile(0.95, sum by (engine, le) (rate(ocr_conversion_duration_seconds_bucket[1h])))
var (
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_conversions_total",
			Help: "Total number of conversion attempts run by this process, by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_conversion_duration_seconds",
			Help:    "Wall time of engine invocations, by engine.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"engine"},
	)
)

// CacheHitsTotal counts requests resolved without starting a conversion,
// labelled by the status of the job they resolved to.
var CacheHitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocr_cache_hits_total",
		Help: "Total number of requests answered from an existing job, by job status.",
	},
	[]string{"status"},
)

// JobsInFlight is the number of content keys this process currently owns a
// conversion attempt for.
var JobsInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "ocr_jobs_in_flight",
		Help: "Number of conversion attempts currently owned by this process.",
	},
)

// AuthRejectionsTotal has label {reason}: missing or invalid.
var AuthRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocr_auth_rejections_total",
		Help: "Total number of requests rejected by the API key gate, by reason.",
	},
	[]string{"reason"},
)

// UsageLogWriteErrorsTotal counts usage rows that could not be written. The
// request itself still completes.
var UsageLogWriteErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ocr_usage_log_write_errors_total",
		Help: "Total number of usage log rows that failed to persist.",
	},
)

// StaleJobsSweptTotal counts jobs failed by the sweeper after their owner
// disappeared.
var StaleJobsSweptTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ocr_stale_jobs_swept_total",
		Help: "Total number of orphaned queued or running jobs marked failed by the sweeper.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable (db.Ping fails),
// which happens when the application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
