package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpaflow/orchestrator-core/internal/config"
	"github.com/rpaflow/orchestrator-core/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the orchestrator's HTTP handler: job submission and
// status for API clients, the robot-facing WebSocket upgrade, and an
// optional admin API gated behind AdminAPIGuard.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Mutating, rate-limited endpoints: job submission, cancellation, and
	// event ingestion.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		if cfg.AdminEnabled() {
			wr.Use(srv.AdminAPIGuard())
			wr.Use(srv.CSRFGuard())
		}
		wr.Post("/v1/jobs", srv.SubmitJobHandler)
		wr.Delete("/v1/jobs/{id}", srv.CancelJobHandler)
		wr.Post("/v1/events", srv.IngestEventHandler)
		wr.Post("/v1/dlq/{id}/reprocess", srv.ReprocessDLQHandler)
	})

	// Read-only endpoints.
	r.Get("/v1/jobs/{id}", srv.GetJobHandler)
	r.Get("/v1/jobs", srv.ListJobsHandler)
	r.Get("/v1/robots", srv.ListRobotsHandler)
	r.Get("/v1/queue/stats", srv.QueueStatsHandler)
	r.Get("/v1/dlq", srv.ListDLQHandler)
	r.Get("/v1/audit", srv.AuditTrailHandler)

	// Robot-facing WebSocket upgrade.
	r.Get("/v1/robots/ws", srv.RobotWSHandler)

	r.Get("/healthz", srv.HealthHandler)
	r.Get("/readyz", srv.ReadyHandler)

	if cfg.AdminEnabled() {
		r.Post("/admin/token", srv.AdminTokenHandler)
		r.Get("/admin/api/status", srv.AdminStatusHandler)
		r.Get("/admin/prometheus", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	} else {
		r.Get("/admin/api/status", srv.AdminStatusHandler)
	}

	return SecurityHeaders(r)
}
