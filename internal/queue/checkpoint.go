package queue

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// LatestCheckpoint returns the most recently recorded checkpoint for jobID.
// No code in this module calls it: RequeueStale and the coordinator's
// disconnect recovery decide on the job's resume_from_checkpoint flag.
func (q *Queue) LatestCheckpoint(ctx domain.Context, jobID string) (domain.Checkpoint, bool, error) {
	tr := otel.Tracer("queue")
	ctx, span := tr.Start(ctx, "queue.LatestCheckpoint")
	defer span.End()

	const stmt = `
		SELECT job_id, node_id, variables, recorded_at
		FROM job_checkpoints
		WHERE job_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`
	row := q.Pool.QueryRow(ctx, stmt, jobID)
	var cp domain.Checkpoint
	if err := row.Scan(&cp.JobID, &cp.NodeID, &cp.Variables, &cp.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, fmt.Errorf("op=queue.latest_checkpoint: %w", err)
	}
	cp.Resumable = true
	return cp, true, nil
}

// CheckpointHistory returns all recorded checkpoints for jobID, oldest
// first, for admin inspection and debugging of a resumed job's trajectory.
func (q *Queue) CheckpointHistory(ctx domain.Context, jobID string) ([]domain.Checkpoint, error) {
	const stmt = `
		SELECT job_id, node_id, variables, recorded_at
		FROM job_checkpoints
		WHERE job_id = $1
		ORDER BY recorded_at ASC`
	rows, err := q.Pool.Query(ctx, stmt, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.checkpoint_history: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.JobID, &cp.NodeID, &cp.Variables, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=queue.checkpoint_history.scan: %w", err)
		}
		cp.Resumable = true
		out = append(out, cp)
	}
	return out, rows.Err()
}
