// Package scheduler implements the advanced scheduler described in spec
// §4.5: a single cooperative tick loop that evaluates every enabled
// schedule's next-run time, consults its business calendar and rate
// limit, applies its concurrency policy, and enqueues a job via the
// durable queue when due.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// Strategy computes a schedule's next fire time from a reference instant.
// Each domain.ScheduleStrategy variant gets its own implementation so the
// tick loop can treat them uniformly.
type Strategy interface {
	NextRunTime(sched domain.Schedule, after time.Time) (time.Time, error)
	Validate(sched domain.Schedule) error
}

// StrategyFor returns the Strategy implementation for a schedule's
// configured trigger kind.
func StrategyFor(kind domain.ScheduleStrategy) (Strategy, error) {
	switch kind {
	case domain.StrategyCron:
		return cronStrategy{}, nil
	case domain.StrategyInterval:
		return intervalStrategy{}, nil
	case domain.StrategyOneTime:
		return oneTimeStrategy{}, nil
	case domain.StrategyEvent, domain.StrategyDependency:
		// Event and dependency schedules are not time-driven: they fire in
		// response to an external signal (handled by dependency.go /
		// the event ingestion endpoint) rather than a computed instant.
		return externallyTriggeredStrategy{}, nil
	default:
		return nil, fmt.Errorf("scheduler: %w: unknown strategy %q", domain.ErrInvalidArgument, kind)
	}
}

type cronStrategy struct{}

func (cronStrategy) Validate(sched domain.Schedule) error {
	if sched.CronExpr == "" {
		return fmt.Errorf("scheduler: %w: cron schedule requires cron_expr", domain.ErrInvalidArgument)
	}
	_, err := parseCron(sched)
	return err
}

func (cronStrategy) NextRunTime(sched domain.Schedule, after time.Time) (time.Time, error) {
	schedule, err := parseCron(sched)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after.In(loc)), nil
}

func parseCron(sched domain.Schedule) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s, err := parser.Parse(sched.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w: invalid cron expression %q: %v", domain.ErrInvalidArgument, sched.CronExpr, err)
	}
	return s, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w: invalid timezone %q: %v", domain.ErrInvalidArgument, tz, err)
	}
	return loc, nil
}

type intervalStrategy struct{}

func (intervalStrategy) Validate(sched domain.Schedule) error {
	if sched.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler: %w: interval schedule requires a positive interval_seconds", domain.ErrInvalidArgument)
	}
	return nil
}

func (intervalStrategy) NextRunTime(sched domain.Schedule, after time.Time) (time.Time, error) {
	interval := time.Duration(sched.IntervalSeconds) * time.Second
	base := sched.StartAt
	if base.IsZero() {
		base = sched.CreatedAt
	}
	if base.IsZero() || !base.Before(after) {
		return base.Add(interval), nil
	}
	elapsed := after.Sub(base)
	ticks := elapsed/interval + 1
	return base.Add(ticks * interval), nil
}

type oneTimeStrategy struct{}

func (oneTimeStrategy) Validate(sched domain.Schedule) error {
	if sched.OneTimeAt.IsZero() {
		return fmt.Errorf("scheduler: %w: one_time schedule requires one_time_at", domain.ErrInvalidArgument)
	}
	return nil
}

func (oneTimeStrategy) NextRunTime(sched domain.Schedule, after time.Time) (time.Time, error) {
	if sched.LastRunAt != nil {
		// Already fired once; a one-time schedule never fires again.
		return time.Time{}, nil
	}
	return sched.OneTimeAt, nil
}

// externallyTriggeredStrategy covers event and dependency schedules, whose
// "next run" is not a computable instant: the tick loop never dispatches
// them on its own, it only checks that they're still enabled and leaves
// dispatch to the event/dependency-notification path.
type externallyTriggeredStrategy struct{}

func (externallyTriggeredStrategy) Validate(sched domain.Schedule) error {
	switch sched.Strategy {
	case domain.StrategyEvent:
		if sched.EventType == "" {
			return fmt.Errorf("scheduler: %w: event schedule requires event_type", domain.ErrInvalidArgument)
		}
	case domain.StrategyDependency:
		if len(sched.UpstreamScheduleIDs) == 0 {
			return fmt.Errorf("scheduler: %w: dependency schedule requires upstream_schedule_ids", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func (externallyTriggeredStrategy) NextRunTime(sched domain.Schedule, after time.Time) (time.Time, error) {
	return time.Time{}, nil
}
