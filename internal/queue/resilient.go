package queue

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isTransient classifies an error as a connection-layer failure worth
// retrying at the DB boundary (§7 "Transient I/O"), as opposed to a domain
// error (ownership mismatch, not-found, constraint violation) that a retry
// can never fix.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "pool is closing")
}

// boundaryBackoff is the retry schedule applied to a single queue operation's
// DB round-trip: short and bounded, distinct from the job-level retry policy
// (domain.RetryConfig) applied to a failed *job*.
func boundaryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(b, ctx)
}

// execRetry runs pool.Exec, retrying transient connection failures with
// bounded exponential backoff and returning immediately (unwrapped) on any
// other error.
func execRetry(ctx context.Context, pool PgxPool, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	op := func() error {
		var err error
		tag, err = pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, boundaryBackoff(ctx)); err != nil {
		return tag, unwrapPermanent(err)
	}
	return tag, nil
}

// queryRowRetry runs pool.QueryRow and scan together as one retryable unit:
// pgx surfaces connection failures only once Scan is called, so the retry
// boundary has to span both.
func queryRowRetry(ctx context.Context, pool PgxPool, scan func(pgx.Row) error, sql string, args ...any) error {
	op := func() error {
		row := pool.QueryRow(ctx, sql, args...)
		err := scan(row)
		if err == nil || errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, boundaryBackoff(ctx)); err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

// queryRetry retries pool.Query's initial connection-acquisition error (row
// iteration itself is not retried once started).
func queryRetry(ctx context.Context, pool PgxPool, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	op := func() error {
		var err error
		rows, err = pool.Query(ctx, sql, args...)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, boundaryBackoff(ctx)); err != nil {
		return nil, unwrapPermanent(err)
	}
	return rows, nil
}

// beginTxRetry retries only the connection-acquisition step of BeginTx;
// once a transaction is open, its internal statements are not individually
// retried (a half-run transaction is rolled back by the caller, not resumed).
func beginTxRetry(ctx context.Context, pool PgxPool, opts pgx.TxOptions) (pgx.Tx, error) {
	var tx pgx.Tx
	op := func() error {
		var err error
		tx, err = pool.BeginTx(ctx, opts)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, boundaryBackoff(ctx)); err != nil {
		return nil, unwrapPermanent(err)
	}
	return tx, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
