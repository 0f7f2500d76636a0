package queue

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

// PgxPool is a minimal subset of pgxpool.Pool used by Queue, kept narrow so
// tests can substitute an in-memory fake without pulling in a real database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Queue implements domain.JobQueue against the job_queue table.
type Queue struct {
	Pool  PgxPool
	Retry domain.RetryConfig

	// LeaseDuration is the visibility timeout granted to a robot at claim
	// time (config.QueueLeaseDuration/§4.1, §6.4). Defaults to 5 minutes
	// when unset so zero-value Queue construction in tests keeps working.
	LeaseDuration time.Duration
}

var _ domain.JobQueue = (*Queue)(nil)

const defaultLeaseDuration = 5 * time.Minute

// NewQueue constructs a Queue backed by the given pool, using retry as the
// retry/backoff policy applied in Fail and leaseDuration as the visibility
// timeout granted to a robot on each Claim.
func NewQueue(pool PgxPool, retry domain.RetryConfig, leaseDuration time.Duration) *Queue {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	return &Queue{Pool: pool, Retry: retry, LeaseDuration: leaseDuration}
}

// Enqueue inserts a new job in pending state and returns its id.
func (q *Queue) Enqueue(ctx domain.Context, sub domain.JobSubmission) (string, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_queue"),
	)

	if sub.WorkflowID == "" {
		return "", fmt.Errorf("op=queue.enqueue: %w: workflow_id is required", domain.ErrInvalidArgument)
	}
	if len(sub.WorkflowJSON) == 0 {
		return "", fmt.Errorf("op=queue.enqueue: %w: workflow_json is required", domain.ErrInvalidArgument)
	}

	id := uuid.New().String()
	visibleAfter := time.Now().UTC()
	if sub.RequestedStart != nil {
		visibleAfter = sub.RequestedStart.UTC()
	}
	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.Retry.MaxRetries
	}
	mode := sub.ExecutionMode
	if mode == "" {
		mode = domain.ExecutionDurable
	}

	const stmt = `
		INSERT INTO job_queue (
			id, workflow_id, workflow_name, workflow_json, status, priority,
			visible_after, max_retries, execution_mode, required_caps, initial_vars,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,$8,$9,$10,now(),now())`
	_, err := execRetry(ctx, q.Pool, stmt,
		id, sub.WorkflowID, sub.WorkflowName, sub.WorkflowJSON, sub.Priority,
		visibleAfter, maxRetries, mode, sub.RequiredCaps, nullableJSON(sub.InitialVars),
	)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically reserves up to limit pending jobs whose visible_after has
// passed for robotID in a single statement (expired leases are returned to
// pending by RequeueStale, not taken here), using FOR UPDATE SKIP LOCKED so competing
// robots never observe or double-claim the same row.
func (q *Queue) Claim(ctx domain.Context, robotID string, limit int) ([]domain.ClaimedJob, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_queue"),
		attribute.String("robot.id", robotID),
	)

	if limit <= 0 {
		limit = 1
	}

	tx, err := beginTxRetry(ctx, q.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	const claimStmt = `
		WITH claimable AS (
			SELECT id FROM job_queue
			WHERE status = 'pending' AND visible_after <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queue j
		SET status = 'running', robot_id = $2, started_at = now(),
		    lease_expires_at = $3, updated_at = now()
		FROM claimable c
		WHERE j.id = c.id
		RETURNING j.id, j.workflow_id, j.workflow_name, j.workflow_json, j.status,
		          j.priority, j.visible_after, j.robot_id, j.started_at, j.completed_at,
		          j.duration_ms, j.progress_percent, j.progress_message, j.retry_count,
		          j.max_retries, j.first_failed_at, j.execution_mode, j.required_caps,
		          j.initial_vars, j.result, j.error_message, j.error_traceback,
		          j.lease_expires_at, j.resume_from_checkpoint, j.checkpoint_node_id,
		          j.created_at, j.updated_at`

	leaseDuration := q.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	leaseExpiry := time.Now().UTC().Add(leaseDuration)
	rows, err := tx.Query(ctx, claimStmt, limit, robotID, leaseExpiry)
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim.query: %w", err)
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim.scan: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.claim.commit: %w", err)
	}
	committed = true
	return jobs, nil
}

// ExtendLease pushes out a running job's lease_expires_at, failing if the
// robot no longer owns the job or the job has already gone terminal.
func (q *Queue) ExtendLease(ctx domain.Context, jobID, robotID string, d time.Duration) (bool, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.ExtendLease")
	defer span.End()

	const stmt = `
		UPDATE job_queue
		SET lease_expires_at = now() + $3::interval, updated_at = now()
		WHERE id = $1 AND robot_id = $2 AND status = 'running'`
	tag, err := execRetry(ctx, q.Pool, stmt, jobID, robotID, d.String())
	if err != nil {
		return false, fmt.Errorf("op=queue.extend_lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks a job completed and stores its result payload.
func (q *Queue) Complete(ctx domain.Context, jobID, robotID string, result []byte) error {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.Complete")
	defer span.End()

	const stmt = `
		UPDATE job_queue
		SET status = 'completed', result = $3, completed_at = now(),
		    duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000,
		    progress_percent = 100, updated_at = now()
		WHERE id = $1 AND robot_id = $2 AND status = 'running'`
	tag, err := execRetry(ctx, q.Pool, stmt, jobID, robotID, nullableJSON(result))
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: %w", domain.ErrOwnershipMismatch)
	}
	return nil
}

// Fail records a failure for the job. It decides, using the queue's retry
// policy, whether the job goes back to pending with a backoff delay or
// moves to the dead letter queue.
func (q *Queue) Fail(ctx domain.Context, jobID, robotID string, errMsg string) (movedToDLQ bool, willRetry bool, err error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.Fail")
	defer span.End()

	tx, err := beginTxRetry(ctx, q.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, false, fmt.Errorf("op=queue.fail.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var retryCount, maxRetries int
	var firstFailedAt *time.Time
	row := tx.QueryRow(ctx, `
		SELECT retry_count, max_retries, first_failed_at FROM job_queue
		WHERE id = $1 AND robot_id = $2 AND status = 'running' FOR UPDATE`, jobID, robotID)
	if scanErr := row.Scan(&retryCount, &maxRetries, &firstFailedAt); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return false, false, fmt.Errorf("op=queue.fail: %w", domain.ErrOwnershipMismatch)
		}
		return false, false, fmt.Errorf("op=queue.fail.select: %w", scanErr)
	}

	movedToDLQ, err = q.applyRetryOrDLQ(ctx, tx, jobID, robotID, errMsg, retryCount, maxRetries, firstFailedAt)
	if err != nil {
		return false, false, fmt.Errorf("op=queue.fail.%w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("op=queue.fail.commit: %w", err)
	}
	committed = true
	return movedToDLQ, !movedToDLQ, nil
}

// applyRetryOrDLQ is the retry-vs-DLQ state machine shared by Fail and
// RequeueStale (spec §4.1: "requeue_stale... same state machine as fail"):
// go back to pending with a backoff delay if the retry budget allows it,
// else snapshot the row into the dead letter queue.
func (q *Queue) applyRetryOrDLQ(ctx context.Context, tx pgx.Tx, jobID, robotID, errMsg string, retryCount, maxRetries int, firstFailedAt *time.Time) (movedToDLQ bool, err error) {
	cfg := q.Retry
	cfg.MaxRetries = maxRetries
	if cfg.ShouldRetry(retryCount, errMsg) {
		delay := cfg.BackoffDelay(retryCount)
		if _, execErr := tx.Exec(ctx, `
			UPDATE job_queue
			SET status = 'pending', robot_id = NULL, lease_expires_at = NULL,
			    retry_count = retry_count + 1, error_message = $2,
			    first_failed_at = COALESCE(first_failed_at, now()),
			    visible_after = now() + $3::interval, updated_at = now()
			WHERE id = $1`, jobID, errMsg, delay.String()); execErr != nil {
			return false, fmt.Errorf("retry: %w", execErr)
		}
		return false, nil
	}

	var snapshot []byte
	snapRow := tx.QueryRow(ctx, `SELECT row_to_json(j) FROM job_queue j WHERE id = $1`, jobID)
	if scanErr := snapRow.Scan(&snapshot); scanErr != nil {
		return false, fmt.Errorf("snapshot: %w", scanErr)
	}
	failure, _ := json.Marshal(domain.FailureRecord{
		Attempt:   retryCount,
		RobotID:   robotID,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if _, execErr := tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'dlq', error_message = $2, updated_at = now()
		WHERE id = $1`, jobID, errMsg); execErr != nil {
		return false, fmt.Errorf("dlq_update: %w", execErr)
	}
	if _, execErr := tx.Exec(ctx, `
		INSERT INTO dead_letter_queue (job_id, job_snapshot, failure_history, first_failed_at)
		VALUES ($1, $2, $3::jsonb, COALESCE($4, now()))
		ON CONFLICT (job_id) DO UPDATE
		SET failure_history = dead_letter_queue.failure_history || $3::jsonb`,
		jobID, snapshot, fmt.Sprintf("[%s]", failure), firstFailedAt); execErr != nil {
		return false, fmt.Errorf("dlq_insert: %w", execErr)
	}
	return true, nil
}

// Release returns a claimed job to pending immediately, used when a robot
// disconnects cleanly mid-job.
func (q *Queue) Release(ctx domain.Context, jobID string) error {
	const stmt = `
		UPDATE job_queue
		SET status = 'pending', robot_id = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running'`
	tag, err := execRetry(ctx, q.Pool, stmt, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.release: %w", domain.ErrNotFound)
	}
	return nil
}

// Cancel marks a job cancelled, refusing if it has already reached a
// terminal state.
func (q *Queue) Cancel(ctx domain.Context, jobID string) error {
	const stmt = `
		UPDATE job_queue
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'dlq')`
	tag, err := execRetry(ctx, q.Pool, stmt, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.cancel: %w", domain.ErrAlreadyTerminal)
	}
	return nil
}

// RequeueStale finds running jobs whose lease has expired. A job marked
// resume_from_checkpoint goes back to pending without a retry increment;
// any other expired job goes through the same retry-or-DLQ step as Fail,
// which increments retry_count. It is the periodic backstop
// for robots that crash or lose connectivity without releasing their jobs.
func (q *Queue) RequeueStale(ctx domain.Context) (int, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.RequeueStale")
	defer span.End()

	const errMsg = "lease expired: robot stopped reporting progress"

	tx, err := beginTxRetry(ctx, q.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, robot_id, retry_count, max_retries, first_failed_at, resume_from_checkpoint
		FROM job_queue
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale.select: %w", err)
	}
	type staleLease struct {
		jobID         string
		robotID       *string
		retryCount    int
		maxRetries    int
		firstFailedAt *time.Time
		resumable     bool
	}
	var stale []staleLease
	for rows.Next() {
		var s staleLease
		if scanErr := rows.Scan(&s.jobID, &s.robotID, &s.retryCount, &s.maxRetries, &s.firstFailedAt, &s.resumable); scanErr != nil {
			rows.Close()
			return 0, fmt.Errorf("op=queue.requeue_stale.scan: %w", scanErr)
		}
		stale = append(stale, s)
	}
	scanErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale.rows: %w", scanErr)
	}

	for _, s := range stale {
		if s.resumable {
			if _, execErr := tx.Exec(ctx, `
				UPDATE job_queue
				SET status = 'pending', robot_id = NULL, lease_expires_at = NULL, updated_at = now()
				WHERE id = $1`, s.jobID); execErr != nil {
				return 0, fmt.Errorf("op=queue.requeue_stale.resume: %w", execErr)
			}
			continue
		}
		var robotID string
		if s.robotID != nil {
			robotID = *s.robotID
		}
		if _, err := q.applyRetryOrDLQ(ctx, tx, s.jobID, robotID, errMsg, s.retryCount, s.maxRetries, s.firstFailedAt); err != nil {
			return 0, fmt.Errorf("op=queue.requeue_stale.%w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale.commit: %w", err)
	}
	committed = true
	return len(stale), nil
}

// Stats summarizes queue depth by status and priority for observability.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{
		ByStatus:        map[domain.JobStatus]int64{},
		DepthByPriority: map[int]int64{},
	}

	rows, err := queryRetry(ctx, q.Pool, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("op=queue.stats.by_status: %w", err)
	}
	for rows.Next() {
		var status domain.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("op=queue.stats.scan_status: %w", err)
		}
		stats.ByStatus[status] = count
	}
	rows.Close()

	rows, err = queryRetry(ctx, q.Pool, `SELECT priority, COUNT(*) FROM job_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return stats, fmt.Errorf("op=queue.stats.by_priority: %w", err)
	}
	for rows.Next() {
		var priority int
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("op=queue.stats.scan_priority: %w", err)
		}
		stats.DepthByPriority[priority] = count
	}
	rows.Close()

	var oldestSeconds float64
	err = queryRowRetry(ctx, q.Pool, func(row pgx.Row) error {
		return row.Scan(&oldestSeconds)
	}, `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - MIN(visible_after))), 0)
		FROM job_queue WHERE status = 'pending'`)
	if err != nil {
		return stats, fmt.Errorf("op=queue.stats.oldest: %w", err)
	}
	stats.OldestPendingAge = time.Duration(oldestSeconds * float64(time.Second))

	return stats, nil
}

// Peek returns jobs matching filter for the admin UI, newest first.
func (q *Queue) Peek(ctx domain.Context, filter domain.PeekFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const baseQuery = `
		SELECT id, workflow_id, workflow_name, workflow_json, status, priority,
		       visible_after, robot_id, started_at, completed_at, duration_ms,
		       progress_percent, progress_message, retry_count, max_retries,
		       first_failed_at, execution_mode, required_caps, initial_vars,
		       result, error_message, error_traceback, lease_expires_at,
		       resume_from_checkpoint, checkpoint_node_id, created_at, updated_at
		FROM job_queue WHERE ($1 = '' OR status = $1::text) AND ($2 = '' OR workflow_id = $2)
		ORDER BY created_at DESC OFFSET $3 LIMIT $4`

	rows, err := queryRetry(ctx, q.Pool, baseQuery, string(filter.Status), filter.WorkflowID, filter.Offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.peek: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Get loads a single job by id.
func (q *Queue) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	const stmt = `
		SELECT id, workflow_id, workflow_name, workflow_json, status, priority,
		       visible_after, robot_id, started_at, completed_at, duration_ms,
		       progress_percent, progress_message, retry_count, max_retries,
		       first_failed_at, execution_mode, required_caps, initial_vars,
		       result, error_message, error_traceback, lease_expires_at,
		       resume_from_checkpoint, checkpoint_node_id, created_at, updated_at
		FROM job_queue WHERE id = $1`
	var j domain.Job
	scanErr := queryRowRetry(ctx, q.Pool, func(row pgx.Row) error {
		var err error
		j, err = scanJobRow(row)
		return err
	}, stmt, jobID)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", scanErr)
	}
	return j, nil
}

// SaveCheckpoint persists a job's latest resumable state.
func (q *Queue) SaveCheckpoint(ctx domain.Context, cp domain.Checkpoint) error {
	const stmt = `
		INSERT INTO job_checkpoints (job_id, node_id, variables, recorded_at)
		VALUES ($1, $2, $3, now())`
	if _, err := execRetry(ctx, q.Pool, stmt, cp.JobID, cp.NodeID, cp.Variables); err != nil {
		return fmt.Errorf("op=queue.save_checkpoint: %w", err)
	}
	if cp.Resumable {
		_, err := execRetry(ctx, q.Pool, `
			UPDATE job_queue SET resume_from_checkpoint = true, checkpoint_node_id = $2, updated_at = now()
			WHERE id = $1`, cp.JobID, cp.NodeID)
		if err != nil {
			return fmt.Errorf("op=queue.save_checkpoint.flag: %w", err)
		}
	}
	return nil
}

// ListDLQ returns unreprocessed dead-letter entries, most recently failed
// first, per spec §3.4.
func (q *Queue) ListDLQ(ctx domain.Context, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const stmt = `
		SELECT job_id, job_snapshot, failure_history, first_failed_at,
		       moved_to_dlq_at, reprocessed_at, reprocessed_by
		FROM dead_letter_queue
		WHERE reprocessed_at IS NULL
		ORDER BY moved_to_dlq_at DESC
		LIMIT $1`
	rows, err := queryRetry(ctx, q.Pool, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_dlq: %w", err)
	}
	defer rows.Close()

	var entries []domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		var snapshot, history []byte
		if err := rows.Scan(&e.JobID, &snapshot, &history, &e.FirstFailedAt,
			&e.MovedToDLQAt, &e.ReprocessedAt, &e.ReprocessedBy); err != nil {
			return nil, fmt.Errorf("op=queue.list_dlq.scan: %w", err)
		}
		if err := json.Unmarshal(snapshot, &e.Job); err != nil {
			return nil, fmt.Errorf("op=queue.list_dlq.unmarshal_snapshot: %w", err)
		}
		if err := json.Unmarshal(history, &e.FailureHistory); err != nil {
			return nil, fmt.Errorf("op=queue.list_dlq.unmarshal_history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReprocessDLQ creates a fresh pending job from a DLQ entry's snapshot and
// marks the entry reprocessed, as a single transaction per spec §3.4/§6.5.
// A row_to_json snapshot column reproduces job_queue's own column names, so
// the insert pulls fields straight out of the stored jsonb rather than
// round-tripping through domain.Job.
func (q *Queue) ReprocessDLQ(ctx domain.Context, jobID, reprocessedBy string) (string, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.ReprocessDLQ")
	defer span.End()

	tx, err := beginTxRetry(ctx, q.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("op=queue.reprocess_dlq.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT reprocessed_at FROM dead_letter_queue WHERE job_id = $1 FOR UPDATE`, jobID)
	var reprocessedAt *time.Time
	if scanErr := row.Scan(&reprocessedAt); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return "", fmt.Errorf("op=queue.reprocess_dlq: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=queue.reprocess_dlq.select: %w", scanErr)
	}
	if reprocessedAt != nil {
		return "", fmt.Errorf("op=queue.reprocess_dlq: %w", domain.ErrAlreadyTerminal)
	}

	newID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO job_queue (
			id, workflow_id, workflow_name, workflow_json, status, priority,
			visible_after, max_retries, execution_mode, required_caps, initial_vars,
			created_at, updated_at
		)
		SELECT
			$2, job_snapshot->>'workflow_id', COALESCE(job_snapshot->>'workflow_name', ''),
			job_snapshot->'workflow_json', 'pending', COALESCE((job_snapshot->>'priority')::int, 0),
			now(), COALESCE((job_snapshot->>'max_retries')::int, 3),
			COALESCE(job_snapshot->>'execution_mode', 'durable'),
			ARRAY(SELECT jsonb_array_elements_text(COALESCE(job_snapshot->'required_caps', '[]'::jsonb))),
			job_snapshot->'initial_vars', now(), now()
		FROM dead_letter_queue WHERE job_id = $1`, jobID, newID)
	if err != nil {
		return "", fmt.Errorf("op=queue.reprocess_dlq.insert: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE dead_letter_queue SET reprocessed_at = now(), reprocessed_by = $2
		WHERE job_id = $1`, jobID, reprocessedBy)
	if err != nil {
		return "", fmt.Errorf("op=queue.reprocess_dlq.mark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=queue.reprocess_dlq.commit: %w", err)
	}
	committed = true
	return newID, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (domain.Job, error) {
	var j domain.Job
	if err := row.Scan(
		&j.ID, &j.WorkflowID, &j.WorkflowName, &j.WorkflowJSON, &j.Status, &j.Priority,
		&j.VisibleAfter, &j.RobotID, &j.StartedAt, &j.CompletedAt, &j.DurationMS,
		&j.ProgressPercent, &j.ProgressMessage, &j.RetryCount, &j.MaxRetries,
		&j.FirstFailedAt, &j.ExecutionMode, &j.RequiredCaps, &j.InitialVars,
		&j.Result, &j.ErrorMessage, &j.ErrorTraceback, &j.LeaseExpiresAt,
		&j.ResumeFromCheckpoint, &j.CheckpointNodeID, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
