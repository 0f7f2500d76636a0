package assignment

import (
	"sync"
	"time"
)

// StateAffinityTracker remembers which robot most recently ran a given
// workflow, so the assignment engine can give it a soft bonus on the next
// dispatch of the same workflow (spec §4.2, §9). Entries expire after TTL;
// readers tolerate stale data since affinity is a soft score, never a
// correctness requirement.
type StateAffinityTracker struct {
	mu      sync.RWMutex
	ttl     time.Duration
	seen    map[string]map[string]time.Time // workflow_id -> robot_id -> last_seen
	nowFunc func() time.Time
}

// NewStateAffinityTracker builds a tracker with the given TTL.
func NewStateAffinityTracker(ttl time.Duration) *StateAffinityTracker {
	return &StateAffinityTracker{
		ttl:     ttl,
		seen:    map[string]map[string]time.Time{},
		nowFunc: time.Now,
	}
}

// Record notes that robotID just ran (or completed) workflowID.
func (t *StateAffinityTracker) Record(workflowID, robotID string) {
	if t == nil || workflowID == "" || robotID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byRobot, ok := t.seen[workflowID]
	if !ok {
		byRobot = map[string]time.Time{}
		t.seen[workflowID] = byRobot
	}
	byRobot[robotID] = t.nowFunc()
}

// Recent reports whether robotID ran workflowID within the tracker's TTL.
func (t *StateAffinityTracker) Recent(workflowID, robotID string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	byRobot, ok := t.seen[workflowID]
	if !ok {
		return false
	}
	last, ok := byRobot[robotID]
	if !ok {
		return false
	}
	if t.ttl <= 0 {
		return true
	}
	return t.nowFunc().Sub(last) <= t.ttl
}

// Expire drops entries older than the TTL, bounding memory growth. No
// background sweep in this module calls it; entries stay until a caller
// does.
func (t *StateAffinityTracker) Expire() {
	if t == nil || t.ttl <= 0 {
		return
	}
	cutoff := t.nowFunc().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	for wf, byRobot := range t.seen {
		for robot, last := range byRobot {
			if last.Before(cutoff) {
				delete(byRobot, robot)
			}
		}
		if len(byRobot) == 0 {
			delete(t.seen, wf)
		}
	}
}
