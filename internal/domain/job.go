package domain

import (
	"encoding/json"
	"time"
)

// JobStatus captures the lifecycle state of a queued job.
type JobStatus string

// Job status values, per the queue's state machine.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobDLQ       JobStatus = "dlq"
)

// ExecutionMode distinguishes durable (checkpointable) jobs from realtime
// ones that cannot be resumed mid-flight.
type ExecutionMode string

const (
	ExecutionDurable  ExecutionMode = "durable"
	ExecutionRealtime ExecutionMode = "realtime"
)

// Job is the durable unit of work dispatched to a robot.
//
// Field tags mirror job_queue's column names so a Postgres row_to_json
// snapshot (used by the DLQ, see ReprocessDLQ) round-trips through
// json.Unmarshal without a separate mapping layer.
type Job struct {
	ID                   string          `json:"id"`
	WorkflowID           string          `json:"workflow_id"`
	WorkflowName         string          `json:"workflow_name"`
	WorkflowJSON         json.RawMessage `json:"workflow_json"`
	Status               JobStatus       `json:"status"`
	Priority             int             `json:"priority"`
	VisibleAfter         time.Time       `json:"visible_after"`
	RobotID              *string         `json:"robot_id"`
	StartedAt            *time.Time      `json:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at"`
	DurationMS           int64           `json:"duration_ms"`
	ProgressPercent      int             `json:"progress_percent"`
	ProgressMessage      string          `json:"progress_message"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	FirstFailedAt        *time.Time      `json:"first_failed_at"`
	ExecutionMode        ExecutionMode   `json:"execution_mode"`
	RequiredCaps         []string        `json:"required_caps"`
	InitialVars          json.RawMessage `json:"initial_vars"`
	Result               json.RawMessage `json:"result"`
	ErrorMessage         string          `json:"error_message"`
	ErrorTraceback       string          `json:"error_traceback"`
	LeaseExpiresAt       *time.Time      `json:"lease_expires_at"`
	ResumeFromCheckpoint bool            `json:"resume_from_checkpoint"`
	CheckpointNodeID     string          `json:"checkpoint_node_id"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the job has reached a state invariant §3.1
// forbids leaving (completed, cancelled, dlq).
func (j Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobCancelled, JobDLQ:
		return true
	default:
		return false
	}
}

// JobSubmission is the caller-supplied shape for Queue.Enqueue.
type JobSubmission struct {
	WorkflowID      string
	WorkflowName    string
	WorkflowJSON    json.RawMessage
	Priority        int
	RequestedStart  *time.Time
	MaxRetries      int
	ExecutionMode   ExecutionMode
	RequiredCaps    []string
	InitialVars     json.RawMessage
}

// ClaimedJob is the result row of an atomic Queue.Claim call.
type ClaimedJob = Job

// Checkpoint is a durable mid-workflow resumption point reported by a robot.
type Checkpoint struct {
	JobID     string
	NodeID    string
	Variables json.RawMessage
	Resumable bool
	UpdatedAt time.Time
}

// QueueStats summarizes queue depth for observability/admin endpoints.
type QueueStats struct {
	ByStatus        map[JobStatus]int64
	DepthByPriority map[int]int64
	OldestPendingAge time.Duration
}

// PeekFilter narrows Queue.Peek results for the admin UI.
type PeekFilter struct {
	Status     JobStatus
	WorkflowID string
	Offset     int
	Limit      int
}
