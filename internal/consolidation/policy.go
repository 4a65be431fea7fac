// Package consolidation implements power-aware consolidation: hosts are
// classified by CPU utilization, over-utilized hosts shed guests and
// under-utilized hosts are evacuated and powered off.
package consolidation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/config"
	"github.com/limiquantix/vmsim/internal/domain"
)

// Allocator is the view of the allocation table the policy migrates through.
type Allocator interface {
	Allocate(guest *domain.Guest, host *domain.Host) bool
	Deallocate(guest *domain.Guest)
	HostOf(guestID int) (*domain.Host, bool)
	ActiveHosts() []*domain.Host
}

// HostSelector chooses migration targets.
type HostSelector interface {
	SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host
	PickEvacuationTarget(excluded *domain.Host, underUtilized []*domain.Host) *domain.Host
	PickHostToKeepActive(underUtilized []*domain.Host) *domain.Host
}

// Stats summarizes every evaluation run by a policy.
type Stats struct {
	Evaluations int `json:"evaluations"`
	Migrations  int `json:"migrations"`
	PoweredOff  int `json:"powered_off"`
	Failed      int `json:"failed"`
}

// Policy evaluates consolidation once per call to Evaluate.
type Policy struct {
	overLimit  float64
	underLimit float64
	alloc      Allocator
	selector   HostSelector
	logger     *zap.Logger

	mu         sync.RWMutex
	lastReport *Report
	stats      Stats
}

// New creates a consolidation policy.
func New(cfg config.ConsolidationConfig, alloc Allocator, selector HostSelector, logger *zap.Logger) (*Policy, error) {
	if alloc == nil || selector == nil {
		return nil, fmt.Errorf("%w: consolidation requires an allocator and a host selector", domain.ErrInvalidConfiguration)
	}
	if cfg.UnderUtilizationLimit < 0 || cfg.OverUtilizationLimit > 1 || cfg.UnderUtilizationLimit >= cfg.OverUtilizationLimit {
		return nil, fmt.Errorf("%w: consolidation limits must satisfy 0 <= under < over <= 1 (under=%.2f over=%.2f)",
			domain.ErrInvalidConfiguration, cfg.UnderUtilizationLimit, cfg.OverUtilizationLimit)
	}

	return &Policy{
		overLimit:  cfg.OverUtilizationLimit,
		underLimit: cfg.UnderUtilizationLimit,
		alloc:      alloc,
		selector:   selector,
		logger:     logger.With(zap.String("component", "consolidation")),
	}, nil
}

// Evaluate classifies the active hosts, plans migrations and applies them.
func (p *Policy) Evaluate(clock float64) *Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Classify(clock)
	plan := p.Plan(clock)
	report := p.Apply(clock, plan)

	p.lastReport = report
	p.stats.Evaluations++
	p.stats.Migrations += report.Migrated()
	p.stats.PoweredOff += len(report.PoweredOff)
	p.stats.Failed += len(report.Fatal)

	p.logger.Info("Consolidation evaluated",
		zap.Float64("clock", clock),
		zap.String("report_id", report.ID),
		zap.Int("migrated", report.Migrated()),
		zap.Int("skipped", len(plan.Skipped)),
		zap.Int("failed_evacuations", len(plan.FailedEvacuations)),
		zap.Ints("powered_off", report.PoweredOff),
	)
	return report
}

// LastReport returns the report of the most recent evaluation, or nil.
func (p *Policy) LastReport() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReport
}

// Stats returns the accumulated evaluation statistics.
func (p *Policy) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Classify records a utilization sample for every active host and sets its
// state from that sample.
func (p *Policy) Classify(clock float64) map[int]domain.HostState {
	states := make(map[int]domain.HostState)
	for _, h := range p.alloc.ActiveHosts() {
		u := h.CPUUtilization()
		h.RecordUtilization(u)

		state := domain.HostStateActive
		switch {
		case u > p.overLimit:
			state = domain.HostStateOverUtilized
		case u < p.underLimit:
			state = domain.HostStateUnderUtilized
		}
		h.SetState(state)
		states[h.ID] = state

		p.logger.Debug("Host classified",
			zap.Float64("clock", clock),
			zap.Int("host_id", h.ID),
			zap.Float64("utilization", u),
			zap.String("state", string(state)),
		)
	}
	return states
}

// Plan builds the migration plan from the current host states. Targets are
// chosen against temporary reservations so the plan never over-commits a
// host; every reservation is released before Plan returns.
func (p *Policy) Plan(clock float64) *Plan {
	active := p.alloc.ActiveHosts()
	plan := &Plan{Clock: clock, States: make(map[int]domain.HostState, len(active))}

	var over, under []*domain.Host
	for _, h := range active {
		state := h.State()
		plan.States[h.ID] = state
		switch state {
		case domain.HostStateOverUtilized:
			over = append(over, h)
		case domain.HostStateUnderUtilized:
			under = append(under, h)
		}
	}

	holds := &ledger{}
	defer holds.releaseAll()

	receiving := make(map[int]bool)
	p.planShedding(plan, active, over, holds, receiving)
	p.planEvacuations(plan, active, under, holds, receiving)
	return plan
}

func (p *Policy) planShedding(plan *Plan, active, over []*domain.Host, holds *ledger, receiving map[int]bool) {
	for _, src := range over {
		residents := src.Residents()
		sort.SliceStable(residents, func(i, j int) bool {
			ci, cj := residents[i].Reserved.CPU, residents[j].Reserved.CPU
			if !ci.Equal(cj) {
				return ci.GreaterThan(cj)
			}
			return residents[i].Guest.ID < residents[j].Guest.ID
		})

		total := src.Total().CPU
		used := src.Reserved().CPU
		for _, res := range residents {
			if ratio(used, total) <= p.overLimit {
				break
			}

			guest := res.Guest
			candidates := p.withinLimit(guest, filterHosts(active, func(h *domain.Host) bool {
				return h != src && plan.States[h.ID] != domain.HostStateOverUtilized
			}))
			target := p.selector.SelectHostFor(guest, candidates)
			if target == nil || !holds.reserve(target, guest.Demand(target.Nested)) {
				plan.Skipped = append(plan.Skipped, Skip{
					GuestID: guest.ID,
					HostID:  src.ID,
					Reason:  domain.MigrationReasonOverUtilized,
					Err:     fmt.Errorf("guest %d on host %d: %w", guest.ID, src.ID, domain.ErrCapacityExhausted),
				})
				p.logger.Warn("No target for guest on over-utilized host",
					zap.Float64("clock", plan.Clock),
					zap.Int("guest_id", guest.ID),
					zap.Int("host_id", src.ID),
				)
				continue
			}

			used = used.Sub(res.Reserved.CPU)
			receiving[target.ID] = true
			plan.Shedding = append(plan.Shedding, newMove(guest, src, target, domain.MigrationReasonOverUtilized))
		}
	}
}

func (p *Policy) planEvacuations(plan *Plan, active, under []*domain.Host, holds *ledger, receiving map[int]bool) {
	var keep *domain.Host
	if len(under) == len(active) {
		keep = p.selector.PickHostToKeepActive(under)
	}

	off := make(map[int]bool)
	for _, host := range under {
		if host == keep {
			p.logger.Debug("Keeping under-utilized host active",
				zap.Float64("clock", plan.Clock),
				zap.Int("host_id", host.ID),
			)
			continue
		}
		if receiving[host.ID] {
			p.logger.Debug("Host receives guests this tick, not evacuating",
				zap.Float64("clock", plan.Clock),
				zap.Int("host_id", host.ID),
			)
			continue
		}

		eligible := func(h *domain.Host) bool {
			return h != host && !off[h.ID] && plan.States[h.ID] != domain.HostStateOverUtilized
		}

		evac := &Evacuation{Host: host}
		local := &ledger{}
		var unplaced []int
		for _, res := range host.Residents() {
			guest := res.Guest

			fitting := p.withinLimit(guest, filterHosts(under, func(h *domain.Host) bool {
				return eligible(h) && h.Suitable(guest, guest.Demand(h.Nested))
			}))
			target := p.selector.PickEvacuationTarget(host, fitting)
			if target == nil {
				others := p.withinLimit(guest, filterHosts(active, func(h *domain.Host) bool {
					return eligible(h) && plan.States[h.ID] != domain.HostStateUnderUtilized
				}))
				target = p.selector.SelectHostFor(guest, others)
			}

			if target == nil || !local.reserve(target, guest.Demand(target.Nested)) {
				unplaced = append(unplaced, guest.ID)
				continue
			}
			evac.Moves = append(evac.Moves, newMove(guest, host, target, domain.MigrationReasonUnderUtilized))
		}

		if len(unplaced) > 0 {
			local.releaseAll()
			err := fmt.Errorf("host %d: %d guests without target: %w", host.ID, len(unplaced), domain.ErrPartialConsolidation)
			plan.FailedEvacuations = append(plan.FailedEvacuations, FailedEvacuation{
				HostID:   host.ID,
				Unplaced: unplaced,
				Err:      err,
			})
			p.logger.Warn("Evacuation dropped, host stays active",
				zap.Float64("clock", plan.Clock),
				zap.Int("host_id", host.ID),
				zap.Ints("unplaced_guests", unplaced),
			)
			continue
		}

		holds.absorb(local)
		for _, m := range evac.Moves {
			receiving[m.Target.ID] = true
		}
		off[host.ID] = true
		plan.Evacuations = append(plan.Evacuations, evac)
	}
}

// withinLimit drops hosts that would become over-utilized by taking guest.
func (p *Policy) withinLimit(guest *domain.Guest, hosts []*domain.Host) []*domain.Host {
	return filterHosts(hosts, func(h *domain.Host) bool {
		return h.UtilizationWith(guest.Demand(h.Nested).CPU) <= p.overLimit
	})
}

// Apply executes plan: shedding first, then each evacuation. An evacuation
// whose migrations did not all apply is rolled back and its host stays
// active; otherwise the host is powered off.
func (p *Policy) Apply(clock float64, plan *Plan) *Report {
	report := &Report{ID: uuid.NewString(), Plan: plan}

	for _, m := range plan.Shedding {
		p.migrate(clock, m, report)
	}

	for _, evac := range plan.Evacuations {
		var applied []*Move
		complete := true
		for _, m := range evac.Moves {
			p.migrate(clock, m, report)
			switch m.Action.Outcome {
			case domain.MigrationOutcomeApplied:
				applied = append(applied, m)
			case domain.MigrationOutcomeSkipped:
			default:
				complete = false
			}
		}

		if !complete {
			p.rollback(clock, applied, report)
			plan.FailedEvacuations = append(plan.FailedEvacuations, FailedEvacuation{
				HostID: evac.Host.ID,
				Err:    fmt.Errorf("host %d: evacuation rolled back: %w", evac.Host.ID, domain.ErrPartialConsolidation),
			})
			evac.Host.SetState(domain.HostStateActive)
			continue
		}

		if err := evac.Host.PowerOff(); err != nil {
			plan.FailedEvacuations = append(plan.FailedEvacuations, FailedEvacuation{HostID: evac.Host.ID, Err: err})
			p.logger.Warn("Host not powered off",
				zap.Float64("clock", clock),
				zap.Int("host_id", evac.Host.ID),
				zap.Error(err),
			)
			continue
		}
		report.PoweredOff = append(report.PoweredOff, evac.Host.ID)
		p.logger.Info("Host powered off",
			zap.Float64("clock", clock),
			zap.Int("host_id", evac.Host.ID),
		)
	}
	return report
}

// migrate moves one guest. A guest the target rejects is put back on its
// source; if the source rejects it too the failure is fatal for that guest.
func (p *Policy) migrate(clock float64, m *Move, report *Report) {
	a := m.Action
	logger := p.logger.With(
		zap.Float64("clock", clock),
		zap.String("action_id", a.ID),
		zap.Int("guest_id", a.GuestID),
		zap.Int("source_host_id", a.SourceHostID),
		zap.Int("target_host_id", a.TargetHostID),
		zap.String("reason", string(a.Reason)),
	)

	if cur, ok := p.alloc.HostOf(m.Guest.ID); !ok || cur != m.Source {
		a.Outcome = domain.MigrationOutcomeSkipped
		a.Message = "guest is no longer on its source host"
		logger.Debug("Migration skipped")
		return
	}

	p.alloc.Deallocate(m.Guest)
	if p.alloc.Allocate(m.Guest, m.Target) {
		a.Outcome = domain.MigrationOutcomeApplied
		logger.Info("Guest migrated")
		return
	}

	if p.alloc.Allocate(m.Guest, m.Source) {
		a.Outcome = domain.MigrationOutcomeRestored
		a.Message = fmt.Sprintf("target host %d rejected the guest", a.TargetHostID)
		logger.Warn("Migration failed, guest restored to source")
		return
	}

	a.Outcome = domain.MigrationOutcomeFailed
	a.Message = "neither target nor source accepted the guest"
	err := fmt.Errorf("guest %d: %w", a.GuestID, domain.ErrMigrationFailed)
	report.Fatal = append(report.Fatal, err)
	logger.Error("Guest left without a host", zap.Error(err))
}

// rollback returns applied moves to their sources in reverse order.
func (p *Policy) rollback(clock float64, applied []*Move, report *Report) {
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i]
		a := m.Action

		p.alloc.Deallocate(m.Guest)
		if p.alloc.Allocate(m.Guest, m.Source) {
			a.Outcome = domain.MigrationOutcomeRolledBack
			continue
		}
		if p.alloc.Allocate(m.Guest, m.Target) {
			a.Message = "rollback rejected by source, guest kept on target"
			p.logger.Warn("Rollback failed, guest kept on target",
				zap.Float64("clock", clock),
				zap.Int("guest_id", a.GuestID),
				zap.Int("host_id", a.TargetHostID),
			)
			continue
		}

		a.Outcome = domain.MigrationOutcomeFailed
		err := fmt.Errorf("guest %d: rollback: %w", a.GuestID, domain.ErrMigrationFailed)
		report.Fatal = append(report.Fatal, err)
		p.logger.Error("Guest left without a host", zap.Float64("clock", clock), zap.Error(err))
	}
}

func newMove(guest *domain.Guest, source, target *domain.Host, reason domain.MigrationReason) *Move {
	return &Move{
		Action: &domain.MigrationAction{
			ID:           uuid.NewString(),
			GuestID:      guest.ID,
			SourceHostID: source.ID,
			TargetHostID: target.ID,
			Reason:       reason,
			Outcome:      domain.MigrationOutcomePending,
		},
		Guest:  guest,
		Source: source,
		Target: target,
	}
}

func filterHosts(hosts []*domain.Host, keep func(*domain.Host) bool) []*domain.Host {
	out := make([]*domain.Host, 0, len(hosts))
	for _, h := range hosts {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}

func ratio(used, total decimal.Decimal) float64 {
	if !total.IsPositive() {
		return 0
	}
	return used.Div(total).InexactFloat64()
}

// ledger tracks capacity held on hosts while a plan is being built.
type ledger struct {
	holds []hold
}

type hold struct {
	host   *domain.Host
	amount domain.Resources
}

func (l *ledger) reserve(h *domain.Host, amount domain.Resources) bool {
	if !h.TryReserve(amount) {
		return false
	}
	l.holds = append(l.holds, hold{host: h, amount: amount})
	return true
}

func (l *ledger) absorb(other *ledger) {
	l.holds = append(l.holds, other.holds...)
	other.holds = nil
}

func (l *ledger) releaseAll() {
	for i := len(l.holds) - 1; i >= 0; i-- {
		l.holds[i].host.Release(l.holds[i].amount)
	}
	l.holds = nil
}
