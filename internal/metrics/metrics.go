// Package metrics provides Prometheus instrumentation for verigate.
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

const namespace = "verigate"

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

	// EvaluationsTotal counts risk evaluations by mode (sync, async) and
	// outcome (ok, degraded). Degraded evaluations applied the fail-open default.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total continuous-verification evaluations by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// EvaluationDuration observes full pipeline latency.
	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of the evaluation pipeline in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
		[]string{"mode"},
	)

	// RiskScores observes the distribution of composite scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Composite risk scores (0-100).",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// RiskLevelsTotal counts evaluations by derived level.
	RiskLevelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_levels_total",
			Help:      "Evaluations by risk level.",
		},
		[]string{"level"},
	)

	// ThreatsTotal counts persisted threats by type.
	ThreatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_total",
			Help:      "Detected threats by type.",
		},
		[]string{"type"},
	)

	// MitigationsTotal counts mitigation steps by action and result.
	MitigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mitigations_total",
			Help:      "Mitigation steps by action (revoke, alert, audit, additional_verification) and result.",
		},
		[]string{"action", "result"},
	)

	// SessionRevocationsTotal counts session revocations by reason.
	SessionRevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_revocations_total",
			Help:      "Session revocations by reason.",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks sessions currently held by the registry.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of active sessions.",
	})

	// RateLimitDecisionsTotal counts rate-limit checks by rule and result.
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by rule and result (allowed, denied).",
		},
		[]string{"rule", "result"},
	)

	// AlertDeliveriesTotal counts alert sink deliveries by sink and result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Security alert deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// AuditWritesTotal counts audit sink writes by result.
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Audit event writes by result.",
		},
		[]string{"result"},
	)

	// InflightEvaluations tracks detached evaluations that have not finished.
	InflightEvaluations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_evaluations",
		Help:      "Background evaluations currently running.",
	})

	// ActiveStreamClients tracks connected WebSocket subscribers.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_stream_clients",
		Help:      "Number of connected security stream clients.",
	})

	// RetentionDeletedTotal counts rows removed by the retention worker.
	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Records removed by retention cleanup, by kind.",
		},
		[]string{"kind"},
	)

	// CircuitTransitionsTotal counts breaker state changes on outbound sinks.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
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
		EvaluationsTotal,
		EvaluationDuration,
		RiskScores,
		RiskLevelsTotal,
		ThreatsTotal,
		MitigationsTotal,
		SessionRevocationsTotal,
		ActiveSessions,
		RateLimitDecisionsTotal,
		AlertDeliveriesTotal,
		AuditWritesTotal,
		InflightEvaluations,
		ActiveStreamClients,
		RetentionDeletedTotal,
		CircuitTransitionsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// Result returns "ok" or "error" for use as a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges until ctx is done. Call in a goroutine.
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
			c.FullPath(), // route pattern keeps cardinality bounded
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

// Handler returns the Prometheus metrics handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into 1xx..5xx.
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
