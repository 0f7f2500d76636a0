package domain

import "time"

// RobotStatus is the coordinator-observed state of a connected robot.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotPaused  RobotStatus = "paused"
	RobotError   RobotStatus = "error"
)

// Robot is a connected worker in the fleet registry.
type Robot struct {
	ID                string
	Name              string
	Environment       string
	Capabilities      []string
	MaxConcurrentJobs int
	CurrentJobs       []string
	Status            RobotStatus
	Tags              []string
	LastHeartbeatAt   time.Time
	CPUPercent        float64
	MemoryPercent     float64
}

// AvailableSlots returns how many more jobs this robot can accept.
func (r Robot) AvailableSlots() int {
	n := r.MaxConcurrentJobs - len(r.CurrentJobs)
	if n < 0 {
		return 0
	}
	return n
}

// HasCapacity reports whether the robot can accept one more job.
func (r Robot) HasCapacity() bool {
	return r.AvailableSlots() > 0
}

// JobRequirement describes what the assignment engine must match against
// connected robots for a single dispatchable job.
type JobRequirement struct {
	JobID              string
	WorkflowID         string
	RequiredCaps       []string
	PreferredZone      string
	TagPreferences     []string
	MinCPUHeadroomPct  float64
	MinMemHeadroomPct  float64
}
