package coordinator

import (
	"sync"
	"time"

	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// ConnState is the per-connection lifecycle state machine described in
// spec §4.3: Connecting -> Registered -> Available/Busy -> Unhealthy, with
// a final closed state not modeled explicitly (the connection entry is
// simply removed from the registry).
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnRegistered ConnState = "registered"
	ConnAvailable  ConnState = "available"
	ConnBusy       ConnState = "busy"
	ConnUnhealthy  ConnState = "unhealthy"
)

// Sender abstracts the write side of a robot's transport so the registry
// and coordinator logic can be exercised without a real network socket.
type Sender interface {
	Send(Envelope) error
	Close() error
	RemoteAddr() string
}

// connection is the registry's bookkeeping record for one connected robot.
// A reconnecting robot (same robot_id, new socket) replaces the prior
// entry's Sender and resets State to Registered; the superseded socket is
// closed, per spec §4.3 "duplicate registration: latest wins".
type connection struct {
	mu            sync.Mutex
	robot         domain.Robot
	sender        Sender
	state         ConnState
	lastHeartbeat time.Time
	connectedAt   time.Time
}

// Registry tracks every connected robot and implements domain.RobotRegistry
// so the assignment engine and recovery manager can query live fleet state
// without depending on the transport layer.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection // robot_id -> connection
	clock func() time.Time
}

var _ domain.RobotRegistry = (*Registry)(nil)

// NewRegistry builds an empty robot registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: map[string]*connection{},
		clock: time.Now,
	}
}

// Register adds or replaces the connection entry for a robot. If a prior
// connection exists for the same robot_id, it is returned so the caller can
// close its socket (latest-registration-wins).
func (r *Registry) Register(robot domain.Robot, sender Sender) (previous Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	if existing, ok := r.conns[robot.ID]; ok {
		existing.mu.Lock()
		previous = existing.sender
		existing.mu.Unlock()
	}
	r.conns[robot.ID] = &connection{
		robot:         robot,
		sender:        sender,
		state:         ConnRegistered,
		lastHeartbeat: now,
		connectedAt:   now,
	}
	return previous
}

// Unregister removes a robot's connection entry entirely, e.g. on socket
// close or a fatal protocol violation.
func (r *Registry) Unregister(robotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, robotID)
}

// Touch records a heartbeat and refreshes vitals for a connected robot.
func (r *Registry) Touch(robotID string, cpuPct, memPct float64) bool {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = r.clock()
	c.robot.CPUPercent = cpuPct
	c.robot.MemoryPercent = memPct
	c.robot.LastHeartbeatAt = c.lastHeartbeat
	if c.state == ConnUnhealthy {
		c.state = ConnAvailable
	}
	return true
}

// SetState transitions a robot's connection state, e.g. to Busy when a job
// is assigned and back to Available on completion.
func (r *Registry) SetState(robotID string, state ConnState) {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.state = state
	switch state {
	case ConnBusy:
		c.robot.Status = domain.RobotBusy
	case ConnAvailable, ConnRegistered:
		c.robot.Status = domain.RobotIdle
	case ConnUnhealthy:
		c.robot.Status = domain.RobotError
	}
	c.mu.Unlock()
}

// AddJob and RemoveJob keep the robot's CurrentJobs slice (used for
// AvailableSlots/HasCapacity) in sync with dispatch/completion.
func (r *Registry) AddJob(robotID, jobID string) {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.robot.CurrentJobs = append(c.robot.CurrentJobs, jobID)
	if c.state == ConnRegistered || c.state == ConnAvailable {
		c.state = ConnBusy
		c.robot.Status = domain.RobotBusy
	}
	c.mu.Unlock()
}

func (r *Registry) RemoveJob(robotID, jobID string) {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	filtered := c.robot.CurrentJobs[:0]
	for _, id := range c.robot.CurrentJobs {
		if id != jobID {
			filtered = append(filtered, id)
		}
	}
	c.robot.CurrentJobs = filtered
	if len(c.robot.CurrentJobs) == 0 && c.state == ConnBusy {
		c.state = ConnAvailable
		c.robot.Status = domain.RobotIdle
	}
	c.mu.Unlock()
}

// Sender returns the live sender for a robot, or nil if not connected.
func (r *Registry) Sender(robotID string) Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[robotID]
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender
}

// Connected implements domain.RobotRegistry: every robot whose socket is
// currently open and not flagged unhealthy, usable as assignment
// candidates.
func (r *Registry) Connected() []domain.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Robot, 0, len(r.conns))
	for _, c := range r.conns {
		c.mu.Lock()
		if c.state != ConnUnhealthy {
			out = append(out, c.robot)
		}
		c.mu.Unlock()
	}
	return out
}

// Get implements domain.RobotRegistry.
func (r *Registry) Get(robotID string) (domain.Robot, bool) {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return domain.Robot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.robot, true
}

// ClaimedJobsFor implements domain.RobotRegistry.
func (r *Registry) ClaimedJobsFor(robotID string) []string {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.robot.CurrentJobs))
	copy(out, c.robot.CurrentJobs)
	return out
}

// StaleSince returns the robots whose connection is registered but whose
// last heartbeat predates the cutoff, for the coordinator's heartbeat
// sweep to mark unhealthy.
func (r *Registry) StaleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, c := range r.conns {
		c.mu.Lock()
		last := c.lastHeartbeat
		state := c.state
		c.mu.Unlock()
		if state != ConnUnhealthy && last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// MarkUnhealthy flags a robot as unhealthy (missed too many heartbeats)
// without removing it from the registry, so recovery can later observe it
// and the operator can inspect it via the admin API.
func (r *Registry) MarkUnhealthy(robotID string) (domain.Robot, bool) {
	r.mu.RLock()
	c, ok := r.conns[robotID]
	r.mu.RUnlock()
	if !ok {
		return domain.Robot{}, false
	}
	c.mu.Lock()
	c.state = ConnUnhealthy
	c.robot.Status = domain.RobotOffline
	robot := c.robot
	c.mu.Unlock()
	return robot, true
}
