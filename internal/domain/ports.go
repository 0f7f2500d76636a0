package domain

import "time"

// JobQueue is the durable job queue port implemented by internal/queue.
//
//go:generate mockery --name=JobQueue --with-expecter --filename=job_queue_mock.go
type JobQueue interface {
	Enqueue(ctx Context, sub JobSubmission) (string, error)
	Claim(ctx Context, robotID string, limit int) ([]ClaimedJob, error)
	ExtendLease(ctx Context, jobID, robotID string, d time.Duration) (bool, error)
	Complete(ctx Context, jobID, robotID string, result []byte) error
	Fail(ctx Context, jobID, robotID string, errMsg string) (movedToDLQ bool, willRetry bool, err error)
	Release(ctx Context, jobID string) error
	Cancel(ctx Context, jobID string) error
	RequeueStale(ctx Context) (int, error)
	Stats(ctx Context) (QueueStats, error)
	Peek(ctx Context, filter PeekFilter) ([]Job, error)
	Get(ctx Context, jobID string) (Job, error)
	SaveCheckpoint(ctx Context, cp Checkpoint) error
	ListDLQ(ctx Context, limit int) ([]DLQEntry, error)
	ReprocessDLQ(ctx Context, jobID, reprocessedBy string) (newJobID string, err error)
}

// RobotRegistry is the fleet coordinator's robot-tracking port, consumed by
// the assignment engine and recovery manager.
//
//go:generate mockery --name=RobotRegistry --with-expecter --filename=robot_registry_mock.go
type RobotRegistry interface {
	Connected() []Robot
	Get(robotID string) (Robot, bool)
	ClaimedJobsFor(robotID string) []string
}

// AssignmentEngine chooses the best connected robot for a job requirement.
//
//go:generate mockery --name=AssignmentEngine --with-expecter --filename=assignment_engine_mock.go
type AssignmentEngine interface {
	Assign(req JobRequirement, candidates []Robot) (AssignmentResult, error)
}

// AssignmentResult is the outcome of a single assignment decision.
type AssignmentResult struct {
	RobotID        string
	ScoreBreakdown ScoreBreakdown
}

// ScoreBreakdown documents how a score was derived, for observability and
// deterministic testing (spec §4.2, testable property 6).
type ScoreBreakdown struct {
	RobotID         string
	CPUScore        float64
	MemScore        float64
	LoadScore       float64
	TagScore        float64
	ZoneScore       float64
	AffinityScore   float64
	Total           float64
}

// ScheduleStore persists schedules and their execution history, backing
// the advanced scheduler described in spec §4.5.
//
//go:generate mockery --name=ScheduleStore --with-expecter --filename=schedule_store_mock.go
type ScheduleStore interface {
	ListEnabled(ctx Context) ([]Schedule, error)
	Get(ctx Context, id string) (Schedule, error)
	Create(ctx Context, s Schedule) (string, error)
	Update(ctx Context, s Schedule) error
	Delete(ctx Context, id string) error
	RecordExecution(ctx Context, exec ScheduleExecution) error
	RecentExecutions(ctx Context, scheduleID string, limit int) ([]ScheduleExecution, error)
}

// AuditLog is the append-only event sink described in spec §6.5.
//
//go:generate mockery --name=AuditLog --with-expecter --filename=audit_log_mock.go
type AuditLog interface {
	Record(ctx Context, evt AuditEvent) error
}

// AuditEvent is a single structured state-transition record.
type AuditEvent struct {
	Timestamp    time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Before       any
	After        any
}
