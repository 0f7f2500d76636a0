// Package audit implements the append-only, hash-chained event sink
// described in spec §6.5: every state transition the orchestrator makes
// (job assignment, robot failure, manual recovery, schedule firing,
// config change) is recorded so an operator can reconstruct history.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// PgxPool is the minimal pool surface Log depends on.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is a single stored audit row, including its hash-chain fields so
// callers can independently verify the chain.
type Entry struct {
	ID           int64
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Before       json.RawMessage
	After        json.RawMessage
	EntryHash    string
	PrevHash     string
}

var tracer = otel.Tracer("github.com/rpaflow/orchestrator-core/internal/audit")

// Log is a pgx-backed, hash-chained implementation of domain.AuditLog.
// Each row's entry_hash covers its own canonical fields plus the previous
// row's hash, so any later row carries a transitive commitment to the
// entire history above it -- a row's content can't be altered without
// invalidating every entry_hash that follows.
type Log struct {
	Pool PgxPool

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

var _ domain.AuditLog = (*Log)(nil)

// NewLog constructs an audit Log backed by the given pool.
func NewLog(pool PgxPool) *Log {
	return &Log{Pool: pool}
}

// Record appends a single audit event, computing its hash-chain entry.
func (l *Log) Record(ctx domain.Context, evt domain.AuditEvent) error {
	ctx, span := tracer.Start(ctx, "audit.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "audit_log"),
		attribute.String("audit.action", evt.Action),
		attribute.String("audit.resource_type", evt.ResourceType),
	)

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Action == "" {
		return fmt.Errorf("op=audit.record: %w: action is required", domain.ErrInvalidArgument)
	}

	beforeJSON, err := marshalOrNull(evt.Before)
	if err != nil {
		return fmt.Errorf("op=audit.record: %w", err)
	}
	afterJSON, err := marshalOrNull(evt.After)
	if err != nil {
		return fmt.Errorf("op=audit.record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		if err := l.loadLastHash(ctx); err != nil {
			return fmt.Errorf("op=audit.record: %w", err)
		}
		l.loaded = true
	}

	prevHash := l.lastHash
	entryHash := ComputeHash(prevHash, evt, beforeJSON, afterJSON)

	_, err = l.Pool.Exec(ctx, `
		INSERT INTO audit_log (occurred_at, actor, action, resource_type, resource_id, before_json, after_json, entry_hash, prev_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		evt.Timestamp, evt.Actor, evt.Action, evt.ResourceType, evt.ResourceID, beforeJSON, afterJSON, entryHash, prevHash,
	)
	if err != nil {
		return fmt.Errorf("op=audit.record: %w", err)
	}
	l.lastHash = entryHash
	return nil
}

func (l *Log) loadLastHash(ctx domain.Context) error {
	row := l.Pool.QueryRow(ctx, `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == pgx.ErrNoRows {
			l.lastHash = ""
			return nil
		}
		return err
	}
	l.lastHash = hash
	return nil
}

// ComputeHash covers the previous entry's hash plus this entry's
// canonical fields, in a fixed field order, so the same event always
// hashes identically regardless of map iteration order elsewhere.
func ComputeHash(prevHash string, evt domain.AuditEvent, beforeJSON, afterJSON []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s",
		prevHash,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		evt.Actor,
		evt.Action,
		evt.ResourceType,
		evt.ResourceID,
		beforeJSON,
		afterJSON,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// List returns the most recent audit entries, optionally filtered by
// resource type/ID, newest first, for the admin API's audit trail view.
func (l *Log) List(ctx domain.Context, resourceType, resourceID string, limit int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, occurred_at, actor, action, resource_type, resource_id, before_json, after_json, entry_hash, prev_hash FROM audit_log`
	var args []any
	switch {
	case resourceType != "" && resourceID != "":
		q += " WHERE resource_type = $1 AND resource_id = $2 ORDER BY id DESC LIMIT $3"
		args = []any{resourceType, resourceID, limit}
	case resourceType != "":
		q += " WHERE resource_type = $1 ORDER BY id DESC LIMIT $2"
		args = []any{resourceType, limit}
	default:
		q += " ORDER BY id DESC LIMIT $1"
		args = []any{limit}
	}

	rows, err := l.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &e.Before, &e.After, &e.EntryHash, &e.PrevHash); err != nil {
			return nil, fmt.Errorf("op=audit.list_scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain recomputes each entry's hash from its stored fields and
// confirms it both matches the stored entry_hash and correctly chains from
// the previous entry, detecting any tampering with historical rows.
// entries must be ordered oldest-first; List returns newest-first, so
// callers verifying a List result should reverse it first.
func VerifyChain(entries []Entry) error {
	for i, e := range entries {
		evt := domain.AuditEvent{
			Timestamp: e.OccurredAt, Actor: e.Actor, Action: e.Action,
			ResourceType: e.ResourceType, ResourceID: e.ResourceID,
		}
		want := ComputeHash(e.PrevHash, evt, e.Before, e.After)
		if want != e.EntryHash {
			return fmt.Errorf("op=audit.verify_chain: entry %d hash mismatch: tampered record", e.ID)
		}
		if i > 0 && entries[i-1].EntryHash != e.PrevHash {
			return fmt.Errorf("op=audit.verify_chain: entry %d breaks chain from entry %d", e.ID, entries[i-1].ID)
		}
	}
	return nil
}

func marshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
