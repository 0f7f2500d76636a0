package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	schedules map[string]domain.Schedule
	updates   []domain.Schedule
	execs     []domain.ScheduleExecution
}

func newFakeStore(scheds ...domain.Schedule) *fakeStore {
	m := map[string]domain.Schedule{}
	for _, s := range scheds {
		m[s.ID] = s
	}
	return &fakeStore{schedules: m}
}

func (f *fakeStore) ListEnabled(ctx context.Context) ([]domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Schedule
	for _, s := range f.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) Create(ctx context.Context, s domain.Schedule) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return s.ID, nil
}

func (f *fakeStore) Update(ctx context.Context, s domain.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	f.updates = append(f.updates, s)
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func (f *fakeStore) RecordExecution(ctx context.Context, exec domain.ScheduleExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, exec)
	return nil
}

func (f *fakeStore) RecentExecutions(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ScheduleExecution
	for _, e := range f.execs {
		if e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []domain.JobSubmission
	cancelled []string
	nextID    int
}

func (f *fakeQueue) Enqueue(ctx context.Context, sub domain.JobSubmission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.enqueued = append(f.enqueued, sub)
	return "job-" + itoa(f.nextID), nil
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func (f *fakeQueue) Claim(ctx context.Context, robotID string, limit int) ([]domain.ClaimedJob, error) {
	return nil, nil
}
func (f *fakeQueue) ExtendLease(ctx context.Context, jobID, robotID string, d time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeQueue) Complete(ctx context.Context, jobID, robotID string, result []byte) error {
	return nil
}
func (f *fakeQueue) Fail(ctx context.Context, jobID, robotID, errMsg string) (bool, bool, error) {
	return false, false, nil
}
func (f *fakeQueue) Release(ctx context.Context, jobID string) error { return nil }
func (f *fakeQueue) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}
func (f *fakeQueue) RequeueStale(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}
func (f *fakeQueue) Peek(ctx context.Context, filter domain.PeekFilter) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeQueue) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (f *fakeQueue) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error { return nil }

type fakeAuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeAuditLog) Record(ctx context.Context, evt domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_FiresIntervalScheduleOnce(t *testing.T) {
	now := time.Now().Add(-time.Hour)
	sched := domain.Schedule{
		ID: "s1", WorkflowID: "wf-1", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 60, StartAt: now, CreatedAt: now,
		ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{TickInterval: time.Millisecond}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	sch.evaluate(context.Background(), sched, time.Now())

	require.Len(t, queue.enqueued, 1)
	require.Equal(t, "wf-1", queue.enqueued[0].WorkflowID)
	require.Len(t, store.updates, 1)
	require.Len(t, store.execs, 1)
}

func TestScheduler_OneTimeDoesNotRefire(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	already := time.Now().Add(-time.Minute)
	sched := domain.Schedule{
		ID: "s2", WorkflowID: "wf-2", Strategy: domain.StrategyOneTime,
		Enabled: true, OneTimeAt: past, LastRunAt: &already,
		ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	sch.evaluate(context.Background(), sched, time.Now())

	require.Empty(t, queue.enqueued)
}

func TestScheduler_ConcurrencyForbidSkipsWhileRunning(t *testing.T) {
	sched := domain.Schedule{
		ID: "s3", WorkflowID: "wf-3", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 1, ConcurrencyPolicy: domain.ConcurrencyForbid,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())
	sch.inFlight[sched.ID] = []string{"job-already-running"}

	allowed := sch.applyConcurrencyPolicy(context.Background(), sched)

	require.False(t, allowed)
}

func TestScheduler_ConcurrencyReplaceCancelsInFlight(t *testing.T) {
	sched := domain.Schedule{
		ID: "s4", WorkflowID: "wf-4", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 1, ConcurrencyPolicy: domain.ConcurrencyReplace,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())
	sch.inFlight[sched.ID] = []string{"job-old"}

	allowed := sch.applyConcurrencyPolicy(context.Background(), sched)

	require.True(t, allowed)
	require.Equal(t, []string{"job-old"}, queue.cancelled)
	require.Empty(t, sch.inFlight[sched.ID])
}

func TestScheduler_CalendarSuppressesFiring(t *testing.T) {
	now := time.Now().Add(-time.Hour)
	sched := domain.Schedule{
		ID: "s5", WorkflowID: "wf-5", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 60, StartAt: now, CreatedAt: now,
		CalendarID: "closed", ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	// A calendar whose blackout window spans all of time never permits execution.
	calendars := NewCalendarBook([]domain.CalendarConfig{
		{
			ID: "closed", Timezone: "UTC",
			Blackouts: []domain.DateRange{{Start: time.Unix(0, 0), End: time.Now().Add(24 * time.Hour)}},
		},
	})
	audit := &fakeAuditLog{}
	sch := New(Config{}, store, queue, calendars, nil, nil, nil, audit, discardLog())

	sch.evaluate(context.Background(), sched, time.Now())

	require.Empty(t, queue.enqueued)
	require.Len(t, audit.events, 1)
	require.Equal(t, "schedule_blocked", audit.events[0].Action)
	require.Equal(t, map[string]any{"reason": "calendar.blocked"}, audit.events[0].After)
}

func TestScheduler_CatchUpPolicyOneLeavesMissedSlotForTickLoop(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	missedNextRun := time.Now().Add(-time.Minute)
	sched := domain.Schedule{
		ID: "s10", WorkflowID: "wf-10", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 60, StartAt: base, CreatedAt: base,
		NextRunAt: &missedNextRun, ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{CatchUpPolicy: "one"}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	sch.catchUp(context.Background())
	// Policy "one" makes no change of its own; the schedule's already-past
	// NextRunAt is exactly what lets the normal tick loop fire it once.
	require.Empty(t, queue.enqueued)
	require.Empty(t, store.updates)
}

func TestScheduler_CatchUpPolicyAllFiresEveryMissedSlot(t *testing.T) {
	base := time.Now().Add(-10 * time.Minute)
	missedNextRun := time.Now().Add(-5 * time.Minute)
	sched := domain.Schedule{
		ID: "s11", WorkflowID: "wf-11", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 60, StartAt: base, CreatedAt: base,
		NextRunAt: &missedNextRun, ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{CatchUpPolicy: "all"}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	sch.catchUp(context.Background())

	require.GreaterOrEqual(t, len(queue.enqueued), 4)
}

func TestScheduler_CatchUpPolicySkipAdvancesWithoutFiring(t *testing.T) {
	base := time.Now().Add(-10 * time.Minute)
	missedNextRun := time.Now().Add(-5 * time.Minute)
	sched := domain.Schedule{
		ID: "s12", WorkflowID: "wf-12", Strategy: domain.StrategyInterval,
		Enabled: true, IntervalSeconds: 60, StartAt: base, CreatedAt: base,
		NextRunAt: &missedNextRun, ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sch := New(Config{CatchUpPolicy: "skip"}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	sch.catchUp(context.Background())

	require.Empty(t, queue.enqueued)
	require.Len(t, store.updates, 1)
	require.True(t, store.updates[0].NextRunAt.After(time.Now()))
}

func TestScheduler_EvaluateEventFiresMatchingSchedules(t *testing.T) {
	sched := domain.Schedule{
		ID: "s6", WorkflowID: "wf-6", Strategy: domain.StrategyEvent,
		Enabled: true, EventType: "file_uploaded", ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	other := domain.Schedule{
		ID: "s7", WorkflowID: "wf-7", Strategy: domain.StrategyEvent,
		Enabled: true, EventType: "other_event", ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched, other)
	queue := &fakeQueue{}
	sch := New(Config{}, store, queue, nil, nil, nil, nil, &fakeAuditLog{}, discardLog())

	err := sch.EvaluateEvent(context.Background(), "file_uploaded", "")

	require.NoError(t, err)
	require.Len(t, queue.enqueued, 1)
	require.Equal(t, "wf-6", queue.enqueued[0].WorkflowID)
}

func TestScheduler_DependencyFiresWhenUpstreamSatisfied(t *testing.T) {
	sched := domain.Schedule{
		ID: "s8", WorkflowID: "wf-8", Strategy: domain.StrategyDependency,
		Enabled: true, UpstreamScheduleIDs: []string{"upstream-1"}, WaitForAll: true,
		TriggerOnSuccessOnly: true, ConcurrencyPolicy: domain.ConcurrencyAllow,
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	deps := NewDependencyTracker(time.Hour)
	deps.RecordCompletion("upstream-1", true)
	sch := New(Config{}, store, queue, nil, nil, nil, deps, &fakeAuditLog{}, discardLog())

	sch.evaluate(context.Background(), sched, time.Now())

	require.Len(t, queue.enqueued, 1)
}

func TestScheduler_RecordCompletionClearsInFlightAndFeedsSLA(t *testing.T) {
	sched := domain.Schedule{
		ID: "s9", WorkflowID: "wf-9", Strategy: domain.StrategyInterval,
		SLA: &domain.SLAConfig{TargetSuccessRate: 0.9, WindowSize: 10},
	}
	store := newFakeStore(sched)
	queue := &fakeQueue{}
	sla := NewSLAMonitor(nil)
	sch := New(Config{}, store, queue, nil, sla, nil, nil, &fakeAuditLog{}, discardLog())
	sch.inFlight[sched.ID] = []string{"job-x"}

	sch.RecordCompletion(sched, domain.ScheduleExecution{ScheduleID: sched.ID, JobID: "job-x", Success: true})

	require.Empty(t, sch.inFlight[sched.ID])
	status := sla.Status(sched)
	require.Equal(t, domain.SLAOk, status)
}
