package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by workflow ID.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"workflow_id"},
	)
	// JobsClaimedTotal counts jobs claimed by robot ID.
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by a robot",
		},
		[]string{"robot_id"},
	)
	// JobsProcessing is a gauge of currently-running jobs.
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently running on a robot",
		},
	)
	// JobsCompletedTotal counts jobs completed.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"workflow_id"},
	)
	// JobsFailedTotal counts jobs moved to a terminal failed/DLQ state.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that reached a terminal failed state",
		},
		[]string{"workflow_id", "reason"},
	)
	// JobsDLQTotal counts jobs moved to the dead letter queue.
	JobsDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
		[]string{"workflow_id"},
	)
	// QueueDepth is a gauge of pending jobs by priority.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of pending jobs by priority band",
		},
		[]string{"priority"},
	)

	// AssignmentsTotal counts assignment decisions by outcome.
	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignments_total",
			Help: "Total assignment decisions by outcome",
		},
		[]string{"outcome"},
	)
	// AssignmentDuration records how long the assignment pipeline takes.
	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_duration_seconds",
			Help:    "Time spent scoring and selecting a robot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RobotsConnected is a gauge of currently connected robots by status.
	RobotsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robots_connected",
			Help: "Number of connected robots by status",
		},
		[]string{"status"},
	)
	// RobotHeartbeatsMissedTotal counts missed-heartbeat detections.
	RobotHeartbeatsMissedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_heartbeats_missed_total",
			Help: "Total missed-heartbeat detections by robot",
		},
		[]string{"robot_id"},
	)

	// RecoveryActionsTotal counts recovery manager decisions by policy.
	RecoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_actions_total",
			Help: "Total recovery decisions by chosen policy",
		},
		[]string{"policy"},
	)

	// ScheduleFiresTotal counts schedule trigger firings by schedule ID.
	ScheduleFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Total schedule firings",
		},
		[]string{"schedule_id", "strategy"},
	)
	// ScheduleSLAStatus is a gauge of each schedule's current SLA status.
	ScheduleSLAStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_sla_status",
			Help: "Schedule SLA status (0=ok, 1=at_risk, 2=breached)",
		},
		[]string{"schedule_id"},
	)
	// RateLimitThrottledTotal counts schedule fires rejected by the rate limiter.
	RateLimitThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_throttled_total",
			Help: "Total schedule firings rejected by the token bucket limiter",
		},
		[]string{"schedule_id"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per dependency.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsEnqueuedTotal,
		JobsClaimedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsDLQTotal,
		QueueDepth,
		AssignmentsTotal,
		AssignmentDuration,
		RobotsConnected,
		RobotHeartbeatsMissedTotal,
		RecoveryActionsTotal,
		ScheduleFiresTotal,
		ScheduleSLAStatus,
		RateLimitThrottledTotal,
		CircuitBreakerStatus,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
