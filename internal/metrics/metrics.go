// Package metrics provides Prometheus instrumentation for the fraud monitor.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudwatch"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsGeneratedTotal counts generated transactions by final status.
	TransactionsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_generated_total",
			Help:      "Transactions generated, scored and stored, by status.",
		},
		[]string{"status"},
	)

	// RiskScores observes the distribution of assigned risk scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Assigned risk scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 85, 100},
	})

	// ScoringTotal counts scoring outcomes by path (remote, fallback) and result.
	ScoringTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_total",
			Help:      "Risk scoring attempts by path and result.",
		},
		[]string{"path", "result"},
	)

	// RemoteScoringDuration observes latency of the remote scoring service.
	RemoteScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "remote_scoring_duration_seconds",
		Help:      "Remote scoring call duration in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	})

	// TickErrorsTotal counts generation ticks that failed.
	TickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_tick_errors_total",
		Help:      "Generation ticks that failed and were skipped.",
	})

	// GenerationRunning is 1 while the generation loop runs.
	GenerationRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "generation_running",
		Help:      "1 while the generation loop is running, 0 when idle.",
	})

	// GenerationStartsTotal counts Idle to Running transitions.
	GenerationStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_starts_total",
		Help:      "Times the generation loop was started.",
	})

	// EvictedTotal counts records removed by retention.
	EvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_evicted_total",
		Help:      "Transaction records evicted by the retention cap.",
	})

	// AlertsTotal counts high-risk alerts by severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "High-risk alerts raised by severity.",
		},
		[]string{"severity"},
	)

	// AlertSinkErrorsTotal counts failed deliveries to the external alert sink.
	AlertSinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_sink_errors_total",
		Help:      "Alerts that could not be forwarded to the external sink.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// CustomerHistorySize tracks entries held in the generator's customer history.
	CustomerHistorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "customer_history_entries",
		Help:      "Customers currently tracked by the event generator.",
	})

	// MaintenanceRunsTotal counts maintenance job runs by job and result.
	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job name and result.",
		},
		[]string{"job", "result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsGeneratedTotal,
		RiskScores,
		ScoringTotal,
		RemoteScoringDuration,
		TickErrorsTotal,
		GenerationRunning,
		GenerationStartsTotal,
		EvictedTotal,
		AlertsTotal,
		AlertSinkErrorsTotal,
		ActiveWebSocketClients,
		CustomerHistorySize,
		MaintenanceRunsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
