package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/orchestrator-core/internal/audit"
	"github.com/rpaflow/orchestrator-core/internal/domain"
)

func newMockLog(t *testing.T) (*audit.Log, pgxmock.PgxPoolIface) {
	t.Helper()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return audit.NewLog(m), m
}

func TestLog_Record_RequiresAction(t *testing.T) {
	t.Parallel()
	l, _ := newMockLog(t)

	err := l.Record(context.Background(), domain.AuditEvent{})

	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLog_Record_ChainsFromEmptyOnFirstEntry(t *testing.T) {
	t.Parallel()
	l, m := newMockLog(t)

	m.ExpectQuery("SELECT entry_hash FROM audit_log").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectExec("INSERT INTO audit_log").
		WithArgs(pgxmock.AnyArg(), "scheduler", "schedule_fire", "schedule", "s1",
			[]byte(`null`), []byte(`{"job_id":"job-1"}`), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := l.Record(context.Background(), domain.AuditEvent{
		Actor: "scheduler", Action: "schedule_fire", ResourceType: "schedule", ResourceID: "s1",
		After: map[string]any{"job_id": "job-1"},
	})

	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestLog_Record_ChainsFromPriorHashOnSubsequentEntry(t *testing.T) {
	t.Parallel()
	l, m := newMockLog(t)

	rows := pgxmock.NewRows([]string{"entry_hash"}).AddRow("deadbeef")
	m.ExpectQuery("SELECT entry_hash FROM audit_log").WillReturnRows(rows)
	m.ExpectExec("INSERT INTO audit_log").
		WithArgs(pgxmock.AnyArg(), "coordinator", "robot_failure_detected", "robot", "r1",
			[]byte(`null`), []byte(`null`), pgxmock.AnyArg(), "deadbeef").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := l.Record(context.Background(), domain.AuditEvent{
		Actor: "coordinator", Action: "robot_failure_detected", ResourceType: "robot", ResourceID: "r1",
	})

	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestVerifyChain_AcceptsConsistentChain(t *testing.T) {
	t.Parallel()
	e1 := domain.AuditEvent{Timestamp: time.Unix(1000, 0), Actor: "a", Action: "act1", ResourceType: "t", ResourceID: "1"}
	e2 := domain.AuditEvent{Timestamp: time.Unix(1001, 0), Actor: "a", Action: "act2", ResourceType: "t", ResourceID: "1"}

	hash1 := audit.ComputeHash("", e1, []byte("null"), []byte("null"))
	hash2 := audit.ComputeHash(hash1, e2, []byte("null"), []byte("null"))

	entries := []audit.Entry{
		{ID: 1, OccurredAt: e1.Timestamp, Actor: e1.Actor, Action: e1.Action, ResourceType: e1.ResourceType, ResourceID: e1.ResourceID, Before: []byte("null"), After: []byte("null"), EntryHash: hash1, PrevHash: ""},
		{ID: 2, OccurredAt: e2.Timestamp, Actor: e2.Actor, Action: e2.Action, ResourceType: e2.ResourceType, ResourceID: e2.ResourceID, Before: []byte("null"), After: []byte("null"), EntryHash: hash2, PrevHash: hash1},
	}

	require.NoError(t, audit.VerifyChain(entries))
}

func TestVerifyChain_DetectsTamperedEntry(t *testing.T) {
	t.Parallel()
	e1 := domain.AuditEvent{Timestamp: time.Unix(1000, 0), Actor: "a", Action: "act1", ResourceType: "t", ResourceID: "1"}
	hash1 := audit.ComputeHash("", e1, []byte("null"), []byte("null"))
	entries := []audit.Entry{
		{ID: 1, OccurredAt: e1.Timestamp, Actor: e1.Actor, Action: e1.Action, ResourceType: e1.ResourceType, ResourceID: e1.ResourceID, Before: []byte("null"), After: []byte("null"), EntryHash: hash1, PrevHash: ""},
	}
	require.NoError(t, audit.VerifyChain(entries))

	entries[0].Action = "tampered"
	require.Error(t, audit.VerifyChain(entries))
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	t.Parallel()
	e1 := domain.AuditEvent{Timestamp: time.Unix(1000, 0), Actor: "a", Action: "act1", ResourceType: "t", ResourceID: "1"}
	e2 := domain.AuditEvent{Timestamp: time.Unix(1001, 0), Actor: "a", Action: "act2", ResourceType: "t", ResourceID: "1"}
	hash1 := audit.ComputeHash("", e1, []byte("null"), []byte("null"))
	hash2 := audit.ComputeHash(hash1, e2, []byte("null"), []byte("null"))

	entries := []audit.Entry{
		{ID: 1, OccurredAt: e1.Timestamp, Actor: e1.Actor, Action: e1.Action, ResourceType: e1.ResourceType, ResourceID: e1.ResourceID, Before: []byte("null"), After: []byte("null"), EntryHash: hash1, PrevHash: ""},
		{ID: 2, OccurredAt: e2.Timestamp, Actor: e2.Actor, Action: e2.Action, ResourceType: e2.ResourceType, ResourceID: e2.ResourceID, Before: []byte("null"), After: []byte("null"), EntryHash: hash2, PrevHash: "wrong-prev-hash"},
	}

	require.Error(t, audit.VerifyChain(entries))
}
