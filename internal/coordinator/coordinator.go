package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpaflow/orchestrator-core/internal/assignment"
	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/pkg/textx"
)

var tracer = otel.Tracer("github.com/rpaflow/orchestrator-core/internal/coordinator")

// Config bounds the coordinator's heartbeat and dispatch behavior.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	DispatchTimeout  time.Duration
	LeaseDuration    time.Duration
}

// Coordinator is the fleet coordinator described in spec §4.3: it owns the
// robot registry, routes WebSocket protocol messages to queue/assignment
// effects, and runs the heartbeat sweep that feeds the recovery manager.
type Coordinator struct {
	cfg      Config
	registry *Registry
	hub      *Hub
	queue    domain.JobQueue
	engine   domain.AssignmentEngine
	audit    domain.AuditLog
	affinity *assignment.StateAffinityTracker
	log      *slog.Logger

	robotFailed chan domain.Robot
}

// New builds a Coordinator. affinity may be nil if state-affinity scoring
// is disabled.
func New(cfg Config, registry *Registry, hub *Hub, queue domain.JobQueue, engine domain.AssignmentEngine, audit domain.AuditLog, affinity *assignment.StateAffinityTracker, log *slog.Logger) *Coordinator {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	return &Coordinator{
		cfg:         cfg,
		registry:    registry,
		hub:         hub,
		queue:       queue,
		engine:      engine,
		audit:       audit,
		affinity:    affinity,
		log:         log,
		robotFailed: make(chan domain.Robot, 256),
	}
}

// RobotFailed exposes the one-way event channel that the recovery manager
// subscribes to. Disconnect publishes a robot here, whether it is called on
// a socket close or by the heartbeat sweep for a stale robot; the channel
// holds 256 events and an event that finds it full is dropped.
func (c *Coordinator) RobotFailed() <-chan domain.Robot {
	return c.robotFailed
}

// Registry exposes the live robot registry, e.g. for the admin HTTP surface.
func (c *Coordinator) Registry() *Registry { return c.registry }

// HandleMessage routes a single inbound envelope from robotID's connection.
// robotID is empty until the robot has successfully registered; in that
// state only TypeRegister is accepted.
func (c *Coordinator) HandleMessage(ctx context.Context, robotID string, sender Sender, env Envelope) (newRobotID string, err error) {
	ctx, span := tracer.Start(ctx, "coordinator.handle_message", trace.WithAttributes(
		attribute.String("message.type", string(env.Type)),
	))
	defer span.End()

	switch env.Type {
	case TypeRegister:
		return c.handleRegister(ctx, sender, env)
	case TypeHeartbeat:
		return robotID, c.handleHeartbeat(ctx, robotID, sender, env)
	case TypeJobAccept:
		return robotID, c.handleJobAccept(ctx, robotID, env)
	case TypeJobReject:
		return robotID, c.handleJobReject(ctx, robotID, env)
	case TypeJobProgress:
		return robotID, c.handleJobProgress(ctx, robotID, env)
	case TypeJobComplete:
		return robotID, c.handleJobComplete(ctx, robotID, env)
	case TypeJobFailed:
		return robotID, c.handleJobFailed(ctx, robotID, env)
	case TypeCheckpointSave:
		return robotID, c.handleCheckpoint(ctx, robotID, env)
	case TypeLogEntry:
		c.handleLogEntry(robotID, env)
		return robotID, nil
	case TypeLogBatch:
		c.handleLogBatch(robotID, env)
		return robotID, nil
	case TypeStatusResponse:
		return robotID, nil
	default:
		if sender != nil {
			_ = sender.Send(newEnvelope(TypeError, env.CorrelationID, ErrorPayload{
				Code:    ErrCodeUnknownType,
				Message: fmt.Sprintf("unrecognized message type %q", env.Type),
			}))
		}
		return robotID, fmt.Errorf("coordinator: %w: type %q", domain.ErrInvalidArgument, env.Type)
	}
}

func (c *Coordinator) handleRegister(ctx context.Context, sender Sender, env Envelope) (string, error) {
	var p RegisterPayload
	if err := env.decode(&p); err != nil || p.RobotID == "" {
		if sender != nil {
			_ = sender.Send(newEnvelope(TypeError, env.CorrelationID, ErrorPayload{Code: ErrCodeMalformed, Message: "invalid register payload"}))
		}
		return "", fmt.Errorf("coordinator: %w: malformed register", domain.ErrInvalidArgument)
	}
	robot := domain.Robot{
		ID:                p.RobotID,
		Name:              p.Name,
		Environment:       p.Environment,
		Capabilities:      p.Capabilities,
		MaxConcurrentJobs: p.MaxConcurrentJobs,
		Status:            domain.RobotIdle,
		Tags:              p.Tags,
		LastHeartbeatAt:   time.Now(),
	}
	if prev := c.registry.Register(robot, sender); prev != nil {
		c.log.Warn("robot reconnected, closing superseded socket", "robot_id", p.RobotID, "remote", sender.RemoteAddr())
		_ = prev.Close()
	}
	c.auditRecord(ctx, "robot_register", "robot", p.RobotID, nil, robot)
	if sender != nil {
		_ = sender.Send(newEnvelope(TypeRegisterAck, env.CorrelationID, RegisterAckPayload{RobotID: p.RobotID}))
	}
	return p.RobotID, nil
}

func (c *Coordinator) handleHeartbeat(_ context.Context, robotID string, sender Sender, env Envelope) error {
	var p HeartbeatPayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed heartbeat", domain.ErrInvalidArgument)
	}
	if !c.registry.Touch(robotID, p.CPUPercent, p.MemoryPercent) {
		return fmt.Errorf("coordinator: %w: heartbeat from unregistered robot %q", domain.ErrInvalidArgument, robotID)
	}
	if sender != nil {
		_ = sender.Send(newEnvelope(TypeHeartbeatAck, env.CorrelationID, nil))
	}
	return nil
}

func (c *Coordinator) handleJobAccept(ctx context.Context, robotID string, env Envelope) error {
	var p JobRejectPayload // shares {job_id} shape
	_ = env.decode(&p)
	c.auditRecord(ctx, "job_accept", "job", p.JobID, nil, map[string]string{"robot_id": robotID})
	return nil
}

func (c *Coordinator) handleJobReject(ctx context.Context, robotID string, env Envelope) error {
	var p JobRejectPayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed job_reject", domain.ErrInvalidArgument)
	}
	c.registry.RemoveJob(robotID, p.JobID)
	c.auditRecord(ctx, "job_reject", "job", p.JobID, nil, map[string]string{"robot_id": robotID, "reason": p.Reason})
	return c.queue.Release(ctx, p.JobID)
}

func (c *Coordinator) handleJobProgress(ctx context.Context, robotID string, env Envelope) error {
	var p JobProgressPayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed job_progress", domain.ErrInvalidArgument)
	}
	// Progress doubles as an implicit lease-extending heartbeat.
	_, err := c.queue.ExtendLease(ctx, p.JobID, robotID, c.cfg.LeaseDuration)
	return err
}

func (c *Coordinator) handleJobComplete(ctx context.Context, robotID string, env Envelope) error {
	var p JobCompletePayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed job_complete", domain.ErrInvalidArgument)
	}
	if err := c.queue.Complete(ctx, p.JobID, robotID, p.Result); err != nil {
		return err
	}
	job, _ := c.queue.Get(ctx, p.JobID)
	c.registry.RemoveJob(robotID, p.JobID)
	if c.affinity != nil {
		c.affinity.Record(job.WorkflowID, robotID)
	}
	c.auditRecord(ctx, "job_complete", "job", p.JobID, nil, map[string]string{"robot_id": robotID})
	return nil
}

func (c *Coordinator) handleJobFailed(ctx context.Context, robotID string, env Envelope) error {
	var p JobFailedPayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed job_failed", domain.ErrInvalidArgument)
	}
	movedToDLQ, _, err := c.queue.Fail(ctx, p.JobID, robotID, p.ErrorMessage)
	if err != nil {
		return err
	}
	c.registry.RemoveJob(robotID, p.JobID)
	c.auditRecord(ctx, "job_failed", "job", p.JobID, nil, map[string]any{
		"robot_id":     robotID,
		"error":        p.ErrorMessage,
		"traceback":    p.ErrorTraceback,
		"moved_to_dlq": movedToDLQ,
	})
	return nil
}

func (c *Coordinator) handleCheckpoint(ctx context.Context, _ string, env Envelope) error {
	var p CheckpointSavePayload
	if err := env.decode(&p); err != nil {
		return fmt.Errorf("coordinator: %w: malformed checkpoint_save", domain.ErrInvalidArgument)
	}
	return c.queue.SaveCheckpoint(ctx, domain.Checkpoint{
		JobID:     p.JobID,
		NodeID:    p.NodeID,
		Variables: p.Variables,
		Resumable: p.Resumable,
		UpdatedAt: time.Now(),
	})
}

func (c *Coordinator) handleLogEntry(robotID string, env Envelope) {
	var p LogEntryPayload
	if err := env.decode(&p); err != nil {
		return
	}
	p.Message = textx.SanitizeText(p.Message)
	c.hub.Publish(LogLine{RobotID: robotID, Payload: p})
}

func (c *Coordinator) handleLogBatch(robotID string, env Envelope) {
	var p LogBatchPayload
	if err := env.decode(&p); err != nil {
		return
	}
	for _, entry := range p.Entries {
		entry.Message = textx.SanitizeText(entry.Message)
		c.hub.Publish(LogLine{RobotID: robotID, Payload: entry})
	}
}

// Disconnect is called by the transport layer when a socket closes and by
// the heartbeat sweep for a stale robot. For a registered robot it marks
// the robot unhealthy, runs the §4.4 per-job recovery policy
// (checkpoint-resume, else retry-with-backoff-or-DLQ) on each job it had in
// flight, unregisters it, and publishes it on the robot_failed channel,
// also when it had no jobs. An unregistered robotID is ignored.
func (c *Coordinator) Disconnect(ctx context.Context, robotID string) {
	jobs := c.registry.ClaimedJobsFor(robotID)
	robot, ok := c.registry.MarkUnhealthy(robotID)
	if !ok {
		return
	}
	for _, jobID := range jobs {
		c.recoverJob(ctx, jobID, robotID)
	}
	c.registry.Unregister(robotID)
	select {
	case c.robotFailed <- robot:
	default:
		c.log.Warn("robot_failed channel full, dropping event", "robot_id", robotID)
	}
}

// recoverJob applies spec §4.4's per-job decision for one job claimed by a
// robot that just disconnected: a job with a resumable checkpoint goes
// straight back to pending with its retry budget untouched (the checkpoint
// makes the lost progress recoverable, so this isn't counted as a failed
// attempt); anything else runs the same retry-with-backoff-or-DLQ decision
// Fail makes for an explicit robot-reported failure.
func (c *Coordinator) recoverJob(ctx context.Context, jobID, robotID string) {
	job, err := c.queue.Get(ctx, jobID)
	if err != nil {
		c.log.Warn("failed to look up job for robot-failure recovery", "job_id", jobID, "robot_id", robotID, "error", err)
		return
	}
	if job.ResumeFromCheckpoint {
		if err := c.queue.Release(ctx, jobID); err != nil {
			c.log.Warn("failed to release resumable job on robot disconnect", "job_id", jobID, "robot_id", robotID, "error", err)
		}
		return
	}
	if _, _, err := c.queue.Fail(ctx, jobID, robotID, "robot disconnected"); err != nil {
		c.log.Warn("failed to fail job on robot disconnect", "job_id", jobID, "robot_id", robotID, "error", err)
	}
}

// Dispatch attempts to assign one claimed job to the best available robot
// and sends it over that robot's socket. No loop in this module calls it;
// the caller passes in a job it already holds.
func (c *Coordinator) Dispatch(ctx context.Context, job domain.Job) error {
	ctx, span := tracer.Start(ctx, "coordinator.dispatch", trace.WithAttributes(
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	req := domain.JobRequirement{
		JobID:        job.ID,
		WorkflowID:   job.WorkflowID,
		RequiredCaps: job.RequiredCaps,
	}
	candidates := c.registry.Connected()
	result, err := c.engine.Assign(req, candidates)
	if err != nil {
		return err
	}
	sender := c.registry.Sender(result.RobotID)
	if sender == nil {
		return fmt.Errorf("coordinator: %w: robot %q has no live connection", domain.ErrNoCapableRobot, result.RobotID)
	}

	payload := JobAssignPayload{
		JobID:                job.ID,
		WorkflowID:           job.WorkflowID,
		WorkflowJSON:         job.WorkflowJSON,
		InitialVariables:     job.InitialVars,
		StartFromCheckpoint:  job.ResumeFromCheckpoint,
		CheckpointNodeID:     job.CheckpointNodeID,
	}
	if err := sender.Send(newEnvelope(TypeJobAssign, job.ID, payload)); err != nil {
		_ = c.queue.Release(ctx, job.ID)
		return fmt.Errorf("coordinator: dispatch send: %w", err)
	}
	c.registry.AddJob(result.RobotID, job.ID)
	c.auditRecord(ctx, "job_dispatch", "job", job.ID, nil, map[string]any{"robot_id": result.RobotID, "score": result.ScoreBreakdown})
	return nil
}

// RunHeartbeatSweep loops until ctx is cancelled, periodically scanning for
// robots whose heartbeat has gone stale and marking them unhealthy.
// Grounded in the ticker+context-select sweep pattern used elsewhere in
// this codebase for periodic maintenance loops.
func (c *Coordinator) RunHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "coordinator.heartbeat_sweep")
	defer span.End()
	cutoff := time.Now().Add(-c.cfg.HeartbeatTimeout)
	stale := c.registry.StaleSince(cutoff)
	for _, robotID := range stale {
		c.log.Warn("robot missed heartbeat deadline", "robot_id", robotID)
		c.Disconnect(ctx, robotID)
	}
}

func (c *Coordinator) auditRecord(ctx context.Context, action, resourceType, resourceID string, before, after any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, domain.AuditEvent{
		Timestamp:    time.Now(),
		Actor:        "coordinator",
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
	}); err != nil {
		c.log.Warn("audit record failed", "action", action, "error", err)
	}
}
