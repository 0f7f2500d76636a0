package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// PgxPool is the minimal pool surface Store depends on, mirroring the
// narrow interface internal/queue.Queue uses, so tests can substitute a
// fake without a real database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements domain.ScheduleStore against the schedules and
// schedule_executions tables.
type Store struct {
	Pool PgxPool
}

var _ domain.ScheduleStore = (*Store)(nil)

// NewStore constructs a Store backed by the given pool.
func NewStore(pool PgxPool) *Store {
	return &Store{Pool: pool}
}

var tr = otel.Tracer("github.com/rpaflow/orchestrator-core/internal/scheduler")

// ListEnabled returns every currently enabled schedule, ordered by
// next_run_at so the tick loop processes the most-overdue first.
func (s *Store) ListEnabled(ctx domain.Context) ([]domain.Schedule, error) {
	ctx, span := tr.Start(ctx, "scheduler.store.list_enabled")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT id, workflow_id, workflow_json, strategy, enabled, cron_expr, timezone,
		       interval_seconds, start_at, one_time_at, event_type, event_source,
		       event_filter, upstream_schedule_ids, wait_for_all, trigger_on_success_only,
		       calendar_id, sla, rate_limit, priority, last_run_at, next_run_at,
		       concurrency_policy, coalesce_window_seconds, created_at, updated_at
		FROM schedules WHERE enabled = true ORDER BY next_run_at NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.store.list_enabled: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Get returns a single schedule by ID.
func (s *Store) Get(ctx domain.Context, id string) (domain.Schedule, error) {
	ctx, span := tr.Start(ctx, "scheduler.store.get")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_json, strategy, enabled, cron_expr, timezone,
		       interval_seconds, start_at, one_time_at, event_type, event_source,
		       event_filter, upstream_schedule_ids, wait_for_all, trigger_on_success_only,
		       calendar_id, sla, rate_limit, priority, last_run_at, next_run_at,
		       concurrency_policy, coalesce_window_seconds, created_at, updated_at
		FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Schedule{}, fmt.Errorf("op=scheduler.store.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Schedule{}, fmt.Errorf("op=scheduler.store.get id=%s: %w", id, err)
	}
	return sched, nil
}

// Create inserts a new schedule and returns its generated ID.
func (s *Store) Create(ctx domain.Context, sched domain.Schedule) (string, error) {
	ctx, span := tr.Start(ctx, "scheduler.store.create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "schedules"))

	if sched.WorkflowID == "" {
		return "", fmt.Errorf("op=scheduler.store.create: %w: workflow_id is required", domain.ErrInvalidArgument)
	}
	id := sched.ID
	if id == "" {
		id = uuid.New().String()
	}
	sla, err := json.Marshal(sched.SLA)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.store.create: %w", err)
	}
	rateLimit, err := json.Marshal(sched.RateLimit)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.store.create: %w", err)
	}
	workflowJSON := sched.WorkflowJSON
	if len(workflowJSON) == 0 {
		workflowJSON = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO schedules (
			id, workflow_id, workflow_json, strategy, enabled, cron_expr, timezone, interval_seconds,
			start_at, one_time_at, event_type, event_source, event_filter,
			upstream_schedule_ids, wait_for_all, trigger_on_success_only, calendar_id,
			sla, rate_limit, priority, concurrency_policy, coalesce_window_seconds,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$23)`,
		id, sched.WorkflowID, []byte(workflowJSON), sched.Strategy, sched.Enabled, sched.CronExpr, sched.Timezone,
		sched.IntervalSeconds, nullableTime(sched.StartAt), nullableTime(sched.OneTimeAt),
		sched.EventType, sched.EventSource, nullableJSON(sched.EventFilter),
		sched.UpstreamScheduleIDs, sched.WaitForAll, sched.TriggerOnSuccessOnly, sched.CalendarID,
		sla, rateLimit, sched.Priority, sched.ConcurrencyPolicy, sched.CoalesceWindow.Seconds(), now,
	)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.store.create: %w", err)
	}
	return id, nil
}

// Update persists mutable fields (enabled flag, run bookkeeping, SLA/rate
// limit config) for an existing schedule.
func (s *Store) Update(ctx domain.Context, sched domain.Schedule) error {
	ctx, span := tr.Start(ctx, "scheduler.store.update")
	defer span.End()

	sla, _ := json.Marshal(sched.SLA)
	rateLimit, _ := json.Marshal(sched.RateLimit)
	tag, err := s.Pool.Exec(ctx, `
		UPDATE schedules SET
			enabled = $2, last_run_at = $3, next_run_at = $4, sla = $5, rate_limit = $6,
			priority = $7, concurrency_policy = $8, updated_at = $9
		WHERE id = $1`,
		sched.ID, sched.Enabled, nullableTime(derefTime(sched.LastRunAt)), nullableTime(derefTime(sched.NextRunAt)),
		sla, rateLimit, sched.Priority, sched.ConcurrencyPolicy, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=scheduler.store.update id=%s: %w", sched.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheduler.store.update id=%s: %w", sched.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a schedule entirely.
func (s *Store) Delete(ctx domain.Context, id string) error {
	ctx, span := tr.Start(ctx, "scheduler.store.delete")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=scheduler.store.delete id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheduler.store.delete id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RecordExecution appends one firing to schedule_executions.
func (s *Store) RecordExecution(ctx domain.Context, exec domain.ScheduleExecution) error {
	ctx, span := tr.Start(ctx, "scheduler.store.record_execution")
	defer span.End()
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO schedule_executions (schedule_id, job_id, started_at, completed_at, success)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.ScheduleID, exec.JobID, exec.StartedAt, nullableTime(exec.CompletedAt), exec.Success,
	)
	if err != nil {
		return fmt.Errorf("op=scheduler.store.record_execution: %w", err)
	}
	return nil
}

// RecentExecutions returns a schedule's most recent executions, newest
// first, bounded by limit, for SLA-monitor warm-start after a restart.
func (s *Store) RecentExecutions(ctx domain.Context, scheduleID string, limit int) ([]domain.ScheduleExecution, error) {
	ctx, span := tr.Start(ctx, "scheduler.store.recent_executions")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT schedule_id, job_id, started_at, completed_at, success
		FROM schedule_executions WHERE schedule_id = $1
		ORDER BY started_at DESC LIMIT $2`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.store.recent_executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleExecution
	for rows.Next() {
		var e domain.ScheduleExecution
		var completedAt *time.Time
		if err := rows.Scan(&e.ScheduleID, &e.JobID, &e.StartedAt, &completedAt, &e.Success); err != nil {
			return nil, fmt.Errorf("op=scheduler.store.recent_executions: %w", err)
		}
		if completedAt != nil {
			e.CompletedAt = *completedAt
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSchedule(row interface {
	Scan(dest ...any) error
}) (domain.Schedule, error) {
	var sched domain.Schedule
	var startAt, oneTimeAt, lastRunAt, nextRunAt *time.Time
	var eventFilter []byte
	var sla, rateLimit []byte
	var coalesceSeconds float64

	var workflowJSON []byte
	err := row.Scan(
		&sched.ID, &sched.WorkflowID, &workflowJSON, &sched.Strategy, &sched.Enabled, &sched.CronExpr, &sched.Timezone,
		&sched.IntervalSeconds, &startAt, &oneTimeAt, &sched.EventType, &sched.EventSource, &eventFilter,
		&sched.UpstreamScheduleIDs, &sched.WaitForAll, &sched.TriggerOnSuccessOnly, &sched.CalendarID,
		&sla, &rateLimit, &sched.Priority, &lastRunAt, &nextRunAt,
		&sched.ConcurrencyPolicy, &coalesceSeconds, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.WorkflowJSON = workflowJSON
	if startAt != nil {
		sched.StartAt = *startAt
	}
	if oneTimeAt != nil {
		sched.OneTimeAt = *oneTimeAt
	}
	sched.LastRunAt = lastRunAt
	sched.NextRunAt = nextRunAt
	sched.CoalesceWindow = time.Duration(coalesceSeconds * float64(time.Second))
	if len(eventFilter) > 0 {
		sched.EventFilter = eventFilter
	}
	if len(sla) > 0 && string(sla) != "null" {
		var cfg domain.SLAConfig
		if err := json.Unmarshal(sla, &cfg); err == nil {
			sched.SLA = &cfg
		}
	}
	if len(rateLimit) > 0 && string(rateLimit) != "null" {
		var rl domain.RateLimit
		if err := json.Unmarshal(rateLimit, &rl); err == nil {
			sched.RateLimit = &rl
		}
	}
	return sched, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
