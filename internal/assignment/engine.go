// Package assignment implements the pure filter/score/tie-break pipeline
// that picks which connected robot receives a newly dispatchable job, per
// spec §4.2. The engine performs no I/O: it is handed a job requirement and
// a slice of candidate robots and returns a deterministic decision, which is
// what makes it straightforward to cover with table-driven tests.
package assignment

import (
	"fmt"
	"sort"

	"github.com/rpaflow/orchestrator-core/internal/config"
	"github.com/rpaflow/orchestrator-core/internal/domain"
)

// Engine is an I/O-free scorer. It holds the scoring weights, the
// state-affinity tracker, and a least-recently-used record that every
// Assign call updates for tie-breaking; it has no lock of its own.
type Engine struct {
	cfg      config.AssignmentConfig
	affinity *StateAffinityTracker
	// lastUsed tracks, across calls, the last time a robot was chosen, used
	// to break exact-score ties in favor of the least-recently-used robot
	// per spec §4.2 step 3.
	lastUsed map[string]int64
	clock    func() int64
	seq      int64
}

var _ domain.AssignmentEngine = (*Engine)(nil)

// NewEngine constructs an assignment engine with the given scoring weights
// and state-affinity tracker (shared with the coordinator, which records
// completions into it).
func NewEngine(cfg config.AssignmentConfig, affinity *StateAffinityTracker) *Engine {
	return &Engine{
		cfg:      cfg,
		affinity: affinity,
		lastUsed: map[string]int64{},
	}
}

// Assign runs the hard-filter -> soft-score -> tie-break pipeline described
// in spec §4.2 and returns the chosen robot plus its full score breakdown.
func (e *Engine) Assign(req domain.JobRequirement, candidates []domain.Robot) (domain.AssignmentResult, error) {
	survivors := make([]domain.Robot, 0, len(candidates))
	for _, r := range candidates {
		if e.hardFilter(req, r) {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return domain.AssignmentResult{}, fmt.Errorf("assignment: %w: no robot satisfies %q requirements", domain.ErrNoCapableRobot, req.WorkflowID)
	}

	breakdowns := make([]domain.ScoreBreakdown, len(survivors))
	for i, r := range survivors {
		breakdowns[i] = e.score(req, r)
	}

	sort.SliceStable(breakdowns, func(i, j int) bool {
		if breakdowns[i].Total != breakdowns[j].Total {
			return breakdowns[i].Total > breakdowns[j].Total
		}
		// Tie-break: least-recently-used robot wins, i.e. the smaller
		// lastUsed sequence number (zero/never-used sorts first).
		return e.lastUsedSeq(breakdowns[i].RobotID) < e.lastUsedSeq(breakdowns[j].RobotID)
	})

	winner := breakdowns[0]
	e.seq++
	e.lastUsed[winner.RobotID] = e.seq

	return domain.AssignmentResult{RobotID: winner.RobotID, ScoreBreakdown: winner}, nil
}

func (e *Engine) lastUsedSeq(robotID string) int64 {
	return e.lastUsed[robotID]
}

// hardFilter applies spec §4.2 step 1: status, environment, capability, and
// resource-floor checks. Any failure excludes the robot outright.
func (e *Engine) hardFilter(req domain.JobRequirement, r domain.Robot) bool {
	switch r.Status {
	case domain.RobotIdle:
		// always eligible if it has capacity
	case domain.RobotBusy:
		// eligible only if below its concurrency cap
	default:
		return false
	}
	if !r.HasCapacity() {
		return false
	}
	if req.PreferredZone != "" && r.Environment != "" && req.PreferredZone != r.Environment {
		// Zone mismatch is a soft preference (scored below) unless the
		// caller also set it as a hard requirement via RequiredCaps'
		// environment-scoped capability tokens; plain zone preference
		// never hard-excludes on its own.
	}
	if !domain.HasAllCapabilities(r.Capabilities, req.RequiredCaps) {
		return false
	}
	cpuHeadroom := 100 - r.CPUPercent
	memHeadroom := 100 - r.MemoryPercent
	if req.MinCPUHeadroomPct > 0 && cpuHeadroom < req.MinCPUHeadroomPct {
		return false
	}
	if req.MinMemHeadroomPct > 0 && memHeadroom < req.MinMemHeadroomPct {
		return false
	}
	return true
}

// score computes spec §4.2 step 2's weighted soft score for a single
// surviving candidate.
func (e *Engine) score(req domain.JobRequirement, r domain.Robot) domain.ScoreBreakdown {
	b := domain.ScoreBreakdown{RobotID: r.ID}

	b.CPUScore = e.cfg.CPUWeight * headroomScore(r.CPUPercent, e.cfg.CPUSoftPct, e.cfg.CPUHardPct)
	b.MemScore = e.cfg.MemWeight * headroomScore(r.MemoryPercent, e.cfg.MemSoftPct, e.cfg.MemHardPct)

	load := 0.0
	if r.MaxConcurrentJobs > 0 {
		load = float64(len(r.CurrentJobs)) / float64(r.MaxConcurrentJobs)
	}
	b.LoadScore = e.cfg.LoadWeight * (1 - load)

	b.TagScore = e.cfg.TagWeight * jaccard(req.TagPreferences, r.Tags)

	if req.PreferredZone != "" && r.Environment == req.PreferredZone {
		b.ZoneScore = e.cfg.ZoneWeight
	}

	if e.affinity != nil && e.affinity.Recent(req.WorkflowID, r.ID) {
		b.AffinityScore = e.cfg.AffinityWeight
	}

	b.Total = b.CPUScore + b.MemScore + b.LoadScore + b.TagScore + b.ZoneScore + b.AffinityScore
	return b
}

// headroomScore returns 1.0 below soft, decays linearly from 1.0 at soft to
// 0.0 at hard, and returns a fixed penalty of -1.0 at or above hard, per
// spec §4.2's "CPU headroom bonus (penalty if >= soft linear, >= hard
// heavy)" description.
func headroomScore(pct, soft, hard float64) float64 {
	switch {
	case pct < soft:
		return 1.0
	case pct >= hard:
		return -1.0
	default:
		// Linear interpolation from 1.0 at soft down to 0.0 at hard.
		span := hard - soft
		if span <= 0 {
			return 0
		}
		return 1.0 - (pct-soft)/span
	}
}

// jaccard computes |a ∩ b| / |a ∪ b| over two string sets. Two empty sets
// score 0 (no preference expressed, so no bonus either way).
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	inter := 0
	union := map[string]struct{}{}
	for _, v := range a {
		union[v] = struct{}{}
	}
	for _, v := range b {
		union[v] = struct{}{}
		if _, ok := set[v]; ok {
			inter++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}
