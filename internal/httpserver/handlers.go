package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpaflow/orchestrator-core/internal/audit"
	"github.com/rpaflow/orchestrator-core/internal/config"
	"github.com/rpaflow/orchestrator-core/internal/coordinator"
	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/internal/scheduler"
)

// Server wires the durable queue, fleet coordinator, scheduler, and audit
// log into a single HTTP surface: job submission for API clients, the
// WebSocket upgrade for robots, and an admin API for operators.
type Server struct {
	Cfg         config.Config
	Queue       domain.JobQueue
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Audit       *audit.Log
}

// NewServer constructs a Server from its collaborators.
func NewServer(cfg config.Config, queue domain.JobQueue, coord *coordinator.Coordinator, sched *scheduler.Scheduler, auditLog *audit.Log) *Server {
	return &Server{Cfg: cfg, Queue: queue, Coordinator: coord, Scheduler: sched, Audit: auditLog}
}

// HealthHandler reports liveness unconditionally: the process is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports readiness by round-tripping the queue's Stats call.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.Queue.Stats(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobSubmitRequest struct {
	WorkflowID     string            `json:"workflow_id"`
	WorkflowName   string            `json:"workflow_name"`
	Workflow       json.RawMessage   `json:"workflow"`
	Priority       int               `json:"priority"`
	RequestedStart *time.Time        `json:"requested_start,omitempty"`
	MaxRetries     int               `json:"max_retries"`
	ExecutionMode  string            `json:"execution_mode"`
	RequiredCaps   []string          `json:"required_capabilities,omitempty"`
	InitialVars    json.RawMessage   `json:"initial_variables,omitempty"`
}

type jobSubmitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJobHandler validates a workflow payload's size and shape, then
// enqueues it for assignment. It never inspects node-type semantics --
// that stays the robot runtime's job.
func (s *Server) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("op=http.submit_job: %w: %v", domain.ErrInvalidArgument, err))
		return
	}
	if req.WorkflowID == "" || len(req.Workflow) == 0 {
		writeError(w, fmt.Errorf("op=http.submit_job: %w: workflow_id and workflow are required", domain.ErrInvalidArgument))
		return
	}

	result := domain.ValidateWorkflowPayload(req.Workflow, domain.DefaultWorkflowLimits())
	if !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	mode := domain.ExecutionMode(req.ExecutionMode)
	if mode == "" {
		mode = domain.ExecutionDurable
	}

	jobID, err := s.Queue.Enqueue(r.Context(), domain.JobSubmission{
		WorkflowID:     req.WorkflowID,
		WorkflowName:   req.WorkflowName,
		WorkflowJSON:   req.Workflow,
		Priority:       req.Priority,
		RequestedStart: req.RequestedStart,
		MaxRetries:     req.MaxRetries,
		ExecutionMode:  mode,
		RequiredCaps:   req.RequiredCaps,
		InitialVars:    req.InitialVars,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobSubmitResponse{JobID: jobID})
}

// GetJobHandler returns the current state of a single job.
func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.Queue.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJobHandler cancels a job that hasn't reached a terminal state.
func (s *Server) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.Queue.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobsHandler is the admin job browser: paginated, filterable by status.
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 50)
	offset := atoiDefault(q.Get("offset"), 0)
	filter := domain.PeekFilter{
		Status:     domain.JobStatus(q.Get("status")),
		WorkflowID: q.Get("workflow_id"),
		Offset:     offset,
		Limit:      limit,
	}
	jobs, err := s.Queue.Peek(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// QueueStatsHandler exposes queue depth for the admin dashboard.
func (s *Server) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDLQHandler exposes unreprocessed dead-letter entries for operator
// triage, per spec §3.4.
func (s *Server) ListDLQHandler(w http.ResponseWriter, r *http.Request) {
	limit := atoiDefault(r.URL.Query().Get("limit"), 100)
	entries, err := s.Queue.ListDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ReprocessDLQHandler requeues a dead-lettered job as a fresh pending job
// and marks the DLQ entry reprocessed, as a single transaction.
func (s *Server) ReprocessDLQHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	actor := getSSOUsernameFromHeaders(r)
	if actor == "" {
		actor = "admin-api"
	}
	newJobID, err := s.Queue.ReprocessDLQ(r.Context(), jobID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		JobID string `json:"job_id"`
	}{JobID: newJobID})
}

// ListRobotsHandler exposes the fleet coordinator's connected robots.
func (s *Server) ListRobotsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeJSON(w, http.StatusOK, []domain.Robot{})
		return
	}
	writeJSON(w, http.StatusOK, s.Coordinator.Registry().Connected())
}

// RobotWSHandler upgrades a robot's connection to the coordinator's
// WebSocket protocol.
func (s *Server) RobotWSHandler(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeError(w, domain.ErrInternal)
		return
	}
	s.Coordinator.ServeWS(w, r)
}

type eventRequest struct {
	EventType   string `json:"event_type"`
	EventSource string `json:"event_source"`
}

// IngestEventHandler lets external systems trigger event-driven schedules
// (spec §4.5's StrategyEvent).
func (s *Server) IngestEventHandler(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, domain.ErrInternal)
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("op=http.ingest_event: %w: %v", domain.ErrInvalidArgument, err))
		return
	}
	if req.EventType == "" {
		writeError(w, fmt.Errorf("op=http.ingest_event: %w: event_type is required", domain.ErrInvalidArgument))
		return
	}
	if err := s.Scheduler.EvaluateEvent(r.Context(), req.EventType, req.EventSource); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// AuditTrailHandler exposes the hash-chained audit log for a resource.
func (s *Server) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 100)
	entries, err := s.Audit.List(r.Context(), q.Get("resource_type"), q.Get("resource_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type adminTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AdminTokenHandler exchanges the configured admin username/password for a
// short-lived bearer JWT, used by AdminAPIGuard.
func (s *Server) AdminTokenHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Cfg.AdminEnabled() {
		writeError(w, domain.ErrNotFound)
		return
	}
	var req adminTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("op=http.admin_token: %w: %v", domain.ErrInvalidArgument, err))
		return
	}
	if req.Username != s.Cfg.AdminUsername || req.Password != s.Cfg.AdminPassword {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sm := NewSessionManager(s.Cfg)
	ttl := 24 * time.Hour
	token, err := sm.GenerateJWT(req.Username, ttl)
	if err != nil {
		writeError(w, domain.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, adminTokenResponse{Token: token, ExpiresAt: time.Now().Add(ttl)})
}

// AdminStatusHandler reports whether the admin API is enabled, without
// requiring auth, so operators can discover it.
func (s *Server) AdminStatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"admin_enabled": s.Cfg.AdminEnabled()})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
