// Package recovery implements the recovery manager: the component that
// decides what happens to a job whose robot stopped talking to it, per
// spec §4.4. The decision itself (checkpoint-resume, retry-with-backoff, or
// DLQ) is made by the durable queue's Fail/RequeueStale logic, which
// already encodes the retry-budget and checkpoint-preservation rules; the
// recovery manager's job is to detect the failure, trigger that decision
// promptly, and keep an auditable trail of it, plus expose a manual
// operator escape hatch.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/internal/observability"
)

var tracer = otel.Tracer("github.com/rpaflow/orchestrator-core/internal/recovery")

// Policy names the recovery action recorded against a job, mirroring the
// three outcomes spec §4.4 describes.
type Policy string

const (
	PolicyCheckpointResume Policy = "checkpoint_resume"
	PolicyRetryBackoff     Policy = "retry_backoff"
	PolicyDLQ              Policy = "dead_letter"
	PolicyManual           Policy = "manual"
)

// Config bounds the recovery manager's sweep cadence.
type Config struct {
	SweepInterval time.Duration
}

// Manager runs the health-monitor sweep loop and reacts to robot-failure
// events published by the fleet coordinator.
type Manager struct {
	cfg   Config
	queue domain.JobQueue
	audit domain.AuditLog
	log   *slog.Logger

	robotFailed <-chan domain.Robot
}

// New builds a recovery Manager. robotFailed is the coordinator's one-way
// failure event channel; it may be nil if the caller only wants the
// periodic stale-lease sweep.
func New(cfg Config, queue domain.JobQueue, audit domain.AuditLog, robotFailed <-chan domain.Robot, log *slog.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Manager{cfg: cfg, queue: queue, audit: audit, robotFailed: robotFailed, log: log}
}

// Run blocks until ctx is cancelled, driving both the periodic stale-lease
// sweep and the robot-failure event consumer. Grounded in the
// ticker+context-select sweep loop used throughout this codebase for
// periodic maintenance (see the coordinator's heartbeat sweep and the
// scheduler's tick loop).
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("recovery manager stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		case robot, ok := <-m.robotFailed:
			if !ok {
				m.robotFailed = nil
				continue
			}
			m.handleRobotFailure(ctx, robot)
		}
	}
}

// sweepOnce requeues any job whose lease has expired without a heartbeat
// or progress update, which is RequeueStale's job: it makes the claim
// visible again (retry, if budget remains) or routes it to the DLQ. This
// is the same queue-side decision handleRobotFailure relies on, just
// triggered by lease expiry instead of an explicit disconnect.
func (m *Manager) sweepOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "recovery.sweep")
	defer span.End()

	n, err := m.queue.RequeueStale(ctx)
	if err != nil {
		span.RecordError(err)
		m.log.Warn("stale lease sweep failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("recovery.requeued", n))
	if n > 0 {
		m.log.Info("requeued stale jobs", "count", n)
		observability.RecoveryActionsTotal.WithLabelValues(string(PolicyRetryBackoff)).Add(float64(n))
	}
}

// handleRobotFailure is invoked once per robot the coordinator marks
// unhealthy. The coordinator has already run the §4.4 per-job recovery
// decision for that robot's in-flight jobs (checkpoint-resume, or
// retry-with-backoff-or-DLQ via Fail); this records the event for
// operators and metrics.
func (m *Manager) handleRobotFailure(ctx context.Context, robot domain.Robot) {
	ctx, span := tracer.Start(ctx, "recovery.robot_failure", trace.WithAttributes(attribute.String("robot.id", robot.ID)))
	defer span.End()

	m.log.Warn("robot marked unhealthy, jobs released for reassignment", "robot_id", robot.ID, "in_flight", len(robot.CurrentJobs))
	observability.RecoveryActionsTotal.WithLabelValues(string(PolicyRetryBackoff)).Add(float64(len(robot.CurrentJobs)))

	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, domain.AuditEvent{
		Timestamp:    time.Now(),
		Actor:        "recovery",
		Action:       "robot_failure_detected",
		ResourceType: "robot",
		ResourceID:   robot.ID,
		After:        map[string]any{"in_flight_jobs": robot.CurrentJobs},
	}); err != nil {
		m.log.Warn("audit record failed", "action", "robot_failure_detected", "error", err)
	}
}

// ManuallyRecoverRobot lets an operator force a robot's in-flight jobs back
// into the queue outside of the normal heartbeat/lease detection path, for
// cases like a robot stuck mid-job with no way to signal failure itself.
func (m *Manager) ManuallyRecoverRobot(ctx context.Context, robotID string, jobIDs []string, reason string) error {
	ctx, span := tracer.Start(ctx, "recovery.manual_recover", trace.WithAttributes(attribute.String("robot.id", robotID)))
	defer span.End()

	for _, jobID := range jobIDs {
		if err := m.queue.Release(ctx, jobID); err != nil {
			return fmt.Errorf("recovery: manual release of job %q: %w", jobID, err)
		}
	}
	observability.RecoveryActionsTotal.WithLabelValues(string(PolicyManual)).Add(float64(len(jobIDs)))

	if m.audit == nil {
		return nil
	}
	return m.audit.Record(ctx, domain.AuditEvent{
		Timestamp:    time.Now(),
		Actor:        "operator",
		Action:       "manual_recovery",
		ResourceType: "robot",
		ResourceID:   robotID,
		After:        map[string]any{"reason": reason, "released_jobs": jobIDs},
	})
}
