package queue

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgNotifyChannel is the Postgres NOTIFY channel that Notify sends on and
// Listener subscribes to.
const pgNotifyChannel = "job_queue_new_job"

// Notify sends a NOTIFY on pgNotifyChannel; a failure is logged, not
// returned. Enqueue does not call it, and no other code in this module does.
func Notify(ctx context.Context, pool *pgxpool.Pool) {
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, '')", pgNotifyChannel); err != nil {
		slog.Warn("queue: failed to send claim-wakeup notification", slog.Any("error", err))
	}
}

// Listener holds a dedicated connection subscribed to pgNotifyChannel and
// exposes a channel that fires once per NOTIFY (coalesced, not counted).
// No claim loop in this module creates a Listener or selects on its
// channel.
type Listener struct {
	pool   *pgxpool.Pool
	wakeCh chan struct{}
}

// NewListener acquires a dedicated connection and issues LISTEN.
func NewListener(ctx context.Context, pool *pgxpool.Pool) (*Listener, error) {
	l := &Listener{pool: pool, wakeCh: make(chan struct{}, 1)}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgNotifyChannel); err != nil {
		conn.Release()
		return nil, err
	}
	go l.run(ctx, conn)
	return l, nil
}

func (l *Listener) run(ctx context.Context, conn *pgxpool.Conn) {
	defer conn.Release()
	for {
		_, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue: listener connection error, backing off", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		select {
		case l.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Wake returns the channel that fires on each coalesced NOTIFY.
func (l *Listener) Wake() <-chan struct{} { return l.wakeCh }

// AdaptivePoller computes a claim loop's poll interval: the base interval
// while there is no failure streak, and base * 1.5^failures after
// consecutive connection failures, clamped to [minInterval, maxInterval].
// It never returns an interval shorter than base on its own. Adapted from the AI-evaluator's adaptive queue
// poller, narrowed to what a claim loop needs.
type AdaptivePoller struct {
	mu                 sync.Mutex
	base               time.Duration
	min                time.Duration
	max                time.Duration
	backoffFactor      float64
	consecutiveFailure int
}

// NewAdaptivePoller builds a poller around a base interval, with backoff up
// to maxInterval on repeated failures.
func NewAdaptivePoller(base, minInterval, maxInterval time.Duration) *AdaptivePoller {
	return &AdaptivePoller{
		base:          base,
		min:           minInterval,
		max:           maxInterval,
		backoffFactor: 1.5,
	}
}

// NextInterval returns the interval to wait before the next poll.
func (p *AdaptivePoller) NextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consecutiveFailure == 0 {
		return p.base
	}
	interval := float64(p.base) * math.Pow(p.backoffFactor, float64(p.consecutiveFailure))
	if interval > float64(p.max) {
		interval = float64(p.max)
	}
	if interval < float64(p.min) {
		interval = float64(p.min)
	}
	return time.Duration(interval)
}

// RecordSuccess resets the failure streak.
func (p *AdaptivePoller) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailure = 0
}

// RecordFailure extends the next interval.
func (p *AdaptivePoller) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailure++
}
