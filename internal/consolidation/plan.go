package consolidation

import (
	"github.com/limiquantix/vmsim/internal/domain"
)

// Move is a planned migration together with the entities it touches.
type Move struct {
	Action *domain.MigrationAction
	Guest  *domain.Guest
	Source *domain.Host
	Target *domain.Host
}

// Evacuation moves every resident of an under-utilized host so the host can
// be powered off.
type Evacuation struct {
	Host  *domain.Host
	Moves []*Move
}

// Skip records a guest that no target could be found for.
type Skip struct {
	GuestID int
	HostID  int
	Reason  domain.MigrationReason
	Err     error
}

// FailedEvacuation records an under-utilized host that stayed active.
type FailedEvacuation struct {
	HostID   int
	Unplaced []int
	Err      error
}

// Plan is the ordered output of one evaluation: over-utilized hosts shed
// first, then under-utilized hosts are evacuated.
type Plan struct {
	Clock             float64
	States            map[int]domain.HostState
	Shedding          []*Move
	Evacuations       []*Evacuation
	Skipped           []Skip
	FailedEvacuations []FailedEvacuation
}

// Actions returns every planned action in application order.
func (p *Plan) Actions() []*domain.MigrationAction {
	var out []*domain.MigrationAction
	for _, m := range p.Shedding {
		out = append(out, m.Action)
	}
	for _, e := range p.Evacuations {
		for _, m := range e.Moves {
			out = append(out, m.Action)
		}
	}
	return out
}

// Empty returns true if the plan contains no migrations.
func (p *Plan) Empty() bool {
	if len(p.Shedding) > 0 {
		return false
	}
	for _, e := range p.Evacuations {
		if len(e.Moves) > 0 {
			return false
		}
	}
	return true
}

// Report is the outcome of applying a plan.
type Report struct {
	ID         string
	Plan       *Plan
	PoweredOff []int
	// Fatal lists guests left without a host after a failed re-allocation.
	Fatal []error
}

// Migrated returns the number of actions that were applied and kept.
func (r *Report) Migrated() int {
	n := 0
	for _, a := range r.Plan.Actions() {
		if a.Outcome == domain.MigrationOutcomeApplied {
			n++
		}
	}
	return n
}
