package scheduler

import (
	"sort"
	"sync"

	"github.com/rpaflow/orchestrator-core/internal/domain"
	"github.com/rpaflow/orchestrator-core/internal/observability"
)

// SLAMonitor keeps a bounded sliding window of recent executions per
// schedule and derives an SLAStatus from it, per spec §4.5's success-rate
// and latency-percentile targets.
type SLAMonitor struct {
	mu      sync.Mutex
	history map[string][]domain.ScheduleExecution
	onAlert func(scheduleID string, status domain.SLAStatus)
}

// NewSLAMonitor builds an SLA monitor. onAlert, if non-nil, is invoked on
// every Record whose resulting status is at_risk or breached, not only when
// the status changes.
func NewSLAMonitor(onAlert func(scheduleID string, status domain.SLAStatus)) *SLAMonitor {
	return &SLAMonitor{history: map[string][]domain.ScheduleExecution{}, onAlert: onAlert}
}

// Record appends an execution outcome to the schedule's window, trimming
// to the configured WindowSize, and re-evaluates its SLA status.
func (m *SLAMonitor) Record(sched domain.Schedule, exec domain.ScheduleExecution) domain.SLAStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.history[sched.ID]
	window = append(window, exec)
	max := 100
	if sched.SLA != nil && sched.SLA.WindowSize > 0 {
		max = sched.SLA.WindowSize
	}
	if len(window) > max {
		window = window[len(window)-max:]
	}
	m.history[sched.ID] = window

	status := evaluate(sched.SLA, window)
	if m.onAlert != nil && status != domain.SLAOk {
		m.onAlert(sched.ID, status)
	}
	observability.ScheduleSLAStatus.WithLabelValues(sched.ID).Set(slaStatusValue(status))
	return status
}

func slaStatusValue(status domain.SLAStatus) float64 {
	switch status {
	case domain.SLAAtRisk:
		return 1
	case domain.SLABreached:
		return 2
	default:
		return 0
	}
}

// Status returns the schedule's current SLA status without recording a
// new execution.
func (m *SLAMonitor) Status(sched domain.Schedule) domain.SLAStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return evaluate(sched.SLA, m.history[sched.ID])
}

func evaluate(sla *domain.SLAConfig, window []domain.ScheduleExecution) domain.SLAStatus {
	if sla == nil || len(window) == 0 {
		return domain.SLAOk
	}

	successes := 0
	durations := make([]int64, 0, len(window))
	var maxDuration int64
	for _, e := range window {
		if e.Success {
			successes++
		}
		d := e.Duration().Nanoseconds()
		durations = append(durations, d)
		if d > maxDuration {
			maxDuration = d
		}
	}
	successRate := float64(successes) / float64(len(window))

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)

	breached := false
	atRisk := false

	if sla.TargetSuccessRate > 0 {
		if successRate < sla.TargetSuccessRate {
			breached = true
		} else if successRate < sla.TargetSuccessRate+0.05 {
			atRisk = true
		}
	}
	if sla.TargetP95 > 0 {
		if p95 > sla.TargetP95.Nanoseconds() {
			breached = true
		} else if float64(p95) > float64(sla.TargetP95.Nanoseconds())*0.9 {
			atRisk = true
		}
	}
	if sla.TargetMaxDuration > 0 && maxDuration > sla.TargetMaxDuration.Nanoseconds() {
		breached = true
	}

	switch {
	case breached:
		return domain.SLABreached
	case atRisk:
		return domain.SLAAtRisk
	default:
		return domain.SLAOk
	}
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
