package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/internal/observability"
)

var tickTracer = otel.Tracer("github.com/rpaflow/orchestrator-core/internal/scheduler")

// Config bounds the scheduler's tick cadence and restart catch-up policy.
type Config struct {
	TickInterval  time.Duration
	CatchUpPolicy string // "one" | "all" | "skip" -- decided Open Question: interval/cron schedules use "skip".
	DefaultTZ     string
}

// Scheduler runs the single cooperative tick loop described in spec §4.5:
// each tick it evaluates every enabled schedule's due-ness, filters
// through its calendar and rate limit, applies its concurrency policy,
// and enqueues a job via the durable queue.
type Scheduler struct {
	cfg       Config
	store     domain.ScheduleStore
	queue     domain.JobQueue
	calendars *CalendarBook
	sla       *SLAMonitor
	limiter   RateLimiter
	deps      *DependencyTracker
	audit     domain.AuditLog
	log       *slog.Logger

	mu       sync.Mutex
	inFlight map[string][]string // schedule_id -> job_ids currently running
}

// New builds a Scheduler. limiter may be nil to disable rate limiting.
func New(cfg Config, store domain.ScheduleStore, queue domain.JobQueue, calendars *CalendarBook, sla *SLAMonitor, limiter RateLimiter, deps *DependencyTracker, audit domain.AuditLog, log *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.CatchUpPolicy == "" {
		cfg.CatchUpPolicy = "skip"
	}
	if calendars == nil {
		calendars = NewCalendarBook(nil)
	}
	if deps == nil {
		deps = NewDependencyTracker(24 * time.Hour)
	}
	return &Scheduler{
		cfg: cfg, store: store, queue: queue, calendars: calendars, sla: sla,
		limiter: limiter, deps: deps, audit: audit, log: log,
		inFlight: map[string][]string{},
	}
}

// Run blocks, ticking at cfg.TickInterval, until ctx is cancelled. Before
// entering the tick loop it runs the missed-run catch-up sweep (§4.5),
// since the orchestrator is expected to restart and schedules may have
// gone unevaluated while it was down.
func (s *Scheduler) Run(ctx context.Context) {
	s.catchUp(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ctx, span := tickTracer.Start(ctx, "scheduler.tick")
	defer span.End()

	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("failed to list enabled schedules", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("scheduler.enabled_count", len(schedules)))

	now := time.Now()
	for _, sched := range schedules {
		s.evaluate(ctx, sched, now)
	}
}

// evaluate decides whether a single schedule should fire right now and,
// if so, enqueues its job.
func (s *Scheduler) evaluate(ctx context.Context, sched domain.Schedule, now time.Time) {
	due, reason := s.isDue(sched, now)
	if !due {
		return
	}

	if !s.calendars.CanExecute(sched.CalendarID, now) {
		s.log.Debug("schedule suppressed by calendar", "schedule_id", sched.ID)
		s.recordCalendarBlocked(ctx, sched, now)
		return
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, sched.ID, 1)
		if err == nil && !allowed {
			observability.RateLimitThrottledTotal.WithLabelValues(sched.ID).Inc()
			s.log.Info("schedule throttled by rate limit", "schedule_id", sched.ID, "retry_after", retryAfter)
			return
		}
	}

	if !s.applyConcurrencyPolicy(ctx, sched) {
		return
	}

	s.fire(ctx, sched, now, reason)
}

// isDue reports whether sched should fire now, per its strategy.
func (s *Scheduler) isDue(sched domain.Schedule, now time.Time) (bool, string) {
	switch sched.Strategy {
	case domain.StrategyDependency:
		if s.deps.Satisfied(sched.UpstreamScheduleIDs, sched.WaitForAll, sched.TriggerOnSuccessOnly) {
			return true, "dependency_satisfied"
		}
		return false, ""
	case domain.StrategyEvent:
		// Event schedules fire from an external notification path (e.g. an
		// event-ingestion HTTP endpoint), not from the tick loop.
		return false, ""
	default:
		strat, err := StrategyFor(sched.Strategy)
		if err != nil {
			s.log.Warn("schedule has invalid strategy", "schedule_id", sched.ID, "error", err)
			return false, ""
		}
		if sched.NextRunAt != nil {
			if !sched.NextRunAt.After(now) {
				return true, "scheduled_time_reached"
			}
			return false, ""
		}
		// With no persisted next-run-at, the first slot is the one after the
		// schedule's last run, or after its creation if it never ran.
		ref := sched.CreatedAt
		if sched.LastRunAt != nil {
			ref = *sched.LastRunAt
		}
		next, err := strat.NextRunTime(sched, ref)
		if err != nil || next.IsZero() {
			return false, ""
		}
		return !next.After(now), "initial_run"
	}
}

// applyConcurrencyPolicy decides, based on sched.ConcurrencyPolicy and the
// current in-flight runs of this schedule, whether a new run may start.
// "replace" cancels every in-flight run (the decided Open Question answer)
// before allowing the new one through.
func (s *Scheduler) applyConcurrencyPolicy(ctx context.Context, sched domain.Schedule) bool {
	s.mu.Lock()
	running := append([]string(nil), s.inFlight[sched.ID]...)
	s.mu.Unlock()

	if len(running) == 0 {
		return true
	}

	switch sched.ConcurrencyPolicy {
	case domain.ConcurrencyAllow:
		return true
	case domain.ConcurrencyForbid, domain.ConcurrencyCoalesce:
		s.log.Debug("schedule skipped: prior run still in flight", "schedule_id", sched.ID, "policy", sched.ConcurrencyPolicy)
		return false
	case domain.ConcurrencyReplace:
		for _, jobID := range running {
			if err := s.queue.Cancel(ctx, jobID); err != nil {
				s.log.Warn("failed to cancel in-flight run for replace policy", "schedule_id", sched.ID, "job_id", jobID, "error", err)
			}
		}
		s.mu.Lock()
		s.inFlight[sched.ID] = nil
		s.mu.Unlock()
		return true
	default:
		return true
	}
}

// recordCalendarBlocked audits a schedule that was due but suppressed by
// its calendar, per scenario S6: the skipped holiday fire must still be
// traceable via its audit reason.
func (s *Scheduler) recordCalendarBlocked(ctx context.Context, sched domain.Schedule, now time.Time) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, domain.AuditEvent{
		Timestamp: now, Actor: "scheduler", Action: "schedule_blocked",
		ResourceType: "schedule", ResourceID: sched.ID,
		After: map[string]any{"reason": "calendar.blocked"},
	}); err != nil {
		s.log.Warn("audit record failed", "action", "schedule_blocked", "schedule_id", sched.ID, "error", err)
	}
}

// maxCatchUpRuns bounds the "all" catch-up policy so a schedule dormant for
// a very long time (e.g. a short interval schedule down for weeks) can't
// fire an unbounded burst of jobs on restart.
const maxCatchUpRuns = 500

// catchUp runs once at startup and applies cfg.CatchUpPolicy to every
// time-driven enabled schedule (spec §4.5: "scheduler examines last_run_at
// vs. now and, per config, either fires once to catch up, fires all missed
// slots, or skips"). Dependency and event schedules have no computable
// missed-slot notion, so they're left to their own trigger path.
func (s *Scheduler) catchUp(ctx context.Context) {
	ctx, span := tickTracer.Start(ctx, "scheduler.catch_up")
	defer span.End()

	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("catch-up: failed to list enabled schedules", "error", err)
		return
	}

	now := time.Now()
	for _, sched := range schedules {
		if sched.Strategy == domain.StrategyDependency || sched.Strategy == domain.StrategyEvent {
			continue
		}
		// A schedule with no persisted next-run-at has never completed a
		// tick-loop pass yet; there is no missed slot to catch up on, so
		// the normal tick loop's own due-check handles its first run.
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		switch s.cfg.CatchUpPolicy {
		case "all":
			s.catchUpAll(ctx, sched, now)
		case "skip":
			s.catchUpSkip(ctx, sched, now)
		default:
			// "one": the normal tick loop fires exactly once for a past-due
			// schedule on its first tick after restart (NextRunAt already
			// <= now), which is precisely the catch-up-by-one behavior, so
			// there's nothing extra to do here.
		}
	}
}

// catchUpAll fires every missed occurrence of sched between its persisted
// next-run-at and now, walking the strategy's own step function forward
// one slot at a time so cron/interval cadence is respected exactly.
func (s *Scheduler) catchUpAll(ctx context.Context, sched domain.Schedule, now time.Time) {
	strat, err := StrategyFor(sched.Strategy)
	if err != nil {
		return
	}

	cursor := *sched.NextRunAt
	fired := 0
	for i := 0; i < maxCatchUpRuns && !cursor.After(now); i++ {
		if !s.calendars.CanExecute(sched.CalendarID, cursor) {
			s.recordCalendarBlocked(ctx, sched, cursor)
		} else {
			s.fire(ctx, sched, cursor, "catch_up_all")
			fired++
		}

		next, nerr := strat.NextRunTime(sched, cursor)
		if nerr != nil || next.IsZero() {
			break
		}
		sched.LastRunAt = &cursor
		sched.NextRunAt = &next
		cursor = next
	}
	if fired > 0 {
		s.log.Info("schedule catch-up fired missed runs", "schedule_id", sched.ID, "count", fired, "policy", "all")
	}
}

// catchUpSkip advances a missed schedule straight to its next future slot
// without firing any of the runs it missed while the orchestrator was down.
func (s *Scheduler) catchUpSkip(ctx context.Context, sched domain.Schedule, now time.Time) {
	strat, err := StrategyFor(sched.Strategy)
	if err != nil {
		return
	}

	cursor := *sched.NextRunAt
	for i := 0; i < maxCatchUpRuns && !cursor.After(now); i++ {
		next, nerr := strat.NextRunTime(sched, cursor)
		if nerr != nil || next.IsZero() {
			return
		}
		cursor = next
	}
	sched.NextRunAt = &cursor

	if err := s.store.Update(ctx, sched); err != nil {
		s.log.Warn("catch-up: failed to persist skipped schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	s.log.Info("schedule catch-up skipped missed runs", "schedule_id", sched.ID, "policy", "skip", "next_run_at", cursor)
	if s.audit != nil {
		_ = s.audit.Record(ctx, domain.AuditEvent{
			Timestamp: now, Actor: "scheduler", Action: "schedule_catch_up_skipped",
			ResourceType: "schedule", ResourceID: sched.ID,
			After: map[string]any{"next_run_at": cursor},
		})
	}
}

func (s *Scheduler) fire(ctx context.Context, sched domain.Schedule, now time.Time, reason string) {
	ctx, span := tickTracer.Start(ctx, "scheduler.fire", trace.WithAttributes(attribute.String("schedule.id", sched.ID)))
	defer span.End()

	jobID, err := s.queue.Enqueue(ctx, domain.JobSubmission{
		WorkflowID:   sched.WorkflowID,
		WorkflowJSON: sched.WorkflowJSON,
		Priority:     sched.Priority,
	})
	if err != nil {
		span.RecordError(err)
		s.log.Error("failed to enqueue scheduled job", "schedule_id", sched.ID, "error", err)
		return
	}

	observability.ScheduleFiresTotal.WithLabelValues(sched.ID, string(sched.Strategy)).Inc()
	s.log.Info("schedule fired", "schedule_id", sched.ID, "job_id", jobID, "reason", reason)

	s.mu.Lock()
	s.inFlight[sched.ID] = append(s.inFlight[sched.ID], jobID)
	s.mu.Unlock()

	if sched.Strategy == domain.StrategyDependency {
		s.deps.ConsumeSatisfied(sched.UpstreamScheduleIDs)
	}

	nextRun := s.computeNextRun(sched, now)
	sched.LastRunAt = &now
	sched.NextRunAt = nextRun
	if err := s.store.Update(ctx, sched); err != nil {
		s.log.Warn("failed to persist schedule run bookkeeping", "schedule_id", sched.ID, "error", err)
	}
	if err := s.store.RecordExecution(ctx, domain.ScheduleExecution{ScheduleID: sched.ID, JobID: jobID, StartedAt: now}); err != nil {
		s.log.Warn("failed to record schedule execution", "schedule_id", sched.ID, "error", err)
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, domain.AuditEvent{
			Timestamp: now, Actor: "scheduler", Action: "schedule_fire",
			ResourceType: "schedule", ResourceID: sched.ID,
			After: map[string]any{"job_id": jobID, "reason": reason},
		})
	}
}

func (s *Scheduler) computeNextRun(sched domain.Schedule, after time.Time) *time.Time {
	strat, err := StrategyFor(sched.Strategy)
	if err != nil {
		return nil
	}
	next, err := strat.NextRunTime(sched, after)
	if err != nil || next.IsZero() {
		return nil
	}
	return &next
}

// RecordCompletion tells the SLA monitor and dependency tracker about a
// finished run and clears the in-flight bookkeeping used by concurrency
// policies. Only tests call it; no job-completion path in this module does.
func (s *Scheduler) RecordCompletion(sched domain.Schedule, exec domain.ScheduleExecution) {
	s.mu.Lock()
	running := s.inFlight[sched.ID]
	filtered := running[:0]
	for _, id := range running {
		if id != exec.JobID {
			filtered = append(filtered, id)
		}
	}
	s.inFlight[sched.ID] = filtered
	s.mu.Unlock()

	if s.sla != nil {
		s.sla.Record(sched, exec)
	}
	s.deps.RecordCompletion(sched.ID, exec.Success)
}

// EvaluateEvent fires every enabled event-strategy schedule matching
// eventType/eventSource, for use by an event-ingestion endpoint outside
// the tick loop.
func (s *Scheduler) EvaluateEvent(ctx context.Context, eventType, eventSource string) error {
	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list schedules for event: %w", err)
	}
	now := time.Now()
	for _, sched := range schedules {
		if sched.Strategy != domain.StrategyEvent {
			continue
		}
		if sched.EventType != eventType {
			continue
		}
		if sched.EventSource != "" && sched.EventSource != eventSource {
			continue
		}
		if !s.calendars.CanExecute(sched.CalendarID, now) {
			continue
		}
		if !s.applyConcurrencyPolicy(ctx, sched) {
			continue
		}
		s.fire(ctx, sched, now, "event:"+eventType)
	}
	return nil
}
