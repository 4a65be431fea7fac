package consolidation

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/allocation"
	"github.com/limiquantix/vmsim/internal/config"
	"github.com/limiquantix/vmsim/internal/consolidation/mock_consolidation"
	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/placement"
)

// ============================================================================
// Fixtures
// ============================================================================

type fixedClock float64

func (c fixedClock) Now() float64 { return float64(c) }

var testLimits = config.ConsolidationConfig{
	Enabled:               true,
	Interval:              10,
	OverUtilizationLimit:  0.8,
	UnderUtilizationLimit: 0.2,
}

func hostSpec() domain.HostSpec {
	return domain.HostSpec{PEs: 4, MIPSPerPE: 1000, RAM: 8192, Bandwidth: 10000, Storage: 100000}
}

func newTestHost(t *testing.T, id int, spec domain.HostSpec) *domain.Host {
	t.Helper()
	h, err := domain.NewHost(id, spec)
	if err != nil {
		t.Fatalf("NewHost(%d) failed: %v", id, err)
	}
	return h
}

func newTestGuest(t *testing.T, id int, pes int, mips float64, ram int64) *domain.Guest {
	t.Helper()
	g, err := domain.NewGuest(id, 1, domain.GuestKindVM, domain.GuestSpec{
		PEs: pes, MIPS: mips, RAM: ram, Bandwidth: 100, Storage: 1000, VMM: "Xen",
	})
	if err != nil {
		t.Fatalf("NewGuest(%d) failed: %v", id, err)
	}
	return g
}

func newTestAllocation(t *testing.T, hosts ...*domain.Host) *allocation.Policy {
	t.Helper()
	alloc, err := allocation.New(hosts, placement.NewFirstFit(zap.NewNop()), fixedClock(0), zap.NewNop())
	if err != nil {
		t.Fatalf("allocation.New failed: %v", err)
	}
	return alloc
}

func mustAllocate(t *testing.T, alloc *allocation.Policy, g *domain.Guest, h *domain.Host) {
	t.Helper()
	if !alloc.Allocate(g, h) {
		t.Fatalf("Allocate(%v, %v) failed", g, h)
	}
}

func newTestPolicy(t *testing.T, alloc Allocator, selector HostSelector) *Policy {
	t.Helper()
	p, err := New(testLimits, alloc, selector, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// ============================================================================
// Construction and classification
// ============================================================================

func TestNew_RejectsInvertedLimits(t *testing.T) {
	g := NewWithT(t)
	alloc := newTestAllocation(t, newTestHost(t, 1, hostSpec()))

	_, err := New(config.ConsolidationConfig{OverUtilizationLimit: 0.3, UnderUtilizationLimit: 0.5},
		alloc, placement.NewFirstFit(zap.NewNop()), zap.NewNop())
	g.Expect(errors.Is(err, domain.ErrInvalidConfiguration)).To(BeTrue())

	_, err = New(testLimits, alloc, nil, zap.NewNop())
	g.Expect(errors.Is(err, domain.ErrInvalidConfiguration)).To(BeTrue())
}

func TestClassify_RecordsSamplesAndStates(t *testing.T) {
	g := NewWithT(t)
	h1, h2, h3 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec()), newTestHost(t, 3, hostSpec())
	alloc := newTestAllocation(t, h1, h2, h3)

	mustAllocate(t, alloc, newTestGuest(t, 1, 4, 900, 512), h1)  // 0.9
	mustAllocate(t, alloc, newTestGuest(t, 2, 1, 400, 512), h2)  // 0.1
	mustAllocate(t, alloc, newTestGuest(t, 3, 2, 1000, 512), h3) // 0.5

	p := newTestPolicy(t, alloc, placement.NewFirstFit(zap.NewNop()))
	states := p.Classify(5)

	g.Expect(states).To(Equal(map[int]domain.HostState{
		1: domain.HostStateOverUtilized,
		2: domain.HostStateUnderUtilized,
		3: domain.HostStateActive,
	}))
	latest, ok := h2.LatestUtilization()
	g.Expect(ok).To(BeTrue())
	g.Expect(latest).To(BeNumerically("~", 0.1, 1e-9))
}

// ============================================================================
// Evacuation
// ============================================================================

func TestEvaluate_PowersOffEvacuatedHost(t *testing.T) {
	g := NewWithT(t)
	h1, h2, h3 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec()), newTestHost(t, 3, hostSpec())
	alloc := newTestAllocation(t, h1, h2, h3)

	mustAllocate(t, alloc, newTestGuest(t, 1, 1, 500, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 2, 1, 500, 512), h2)
	for id := 3; id <= 5; id++ {
		mustAllocate(t, alloc, newTestGuest(t, id, 1, 500, 512), h3)
	}

	p := newTestPolicy(t, alloc, placement.NewPowerAware(0.8, zap.NewNop()))
	report := p.Evaluate(10)

	g.Expect(report.ID).NotTo(BeEmpty())
	g.Expect(report.PoweredOff).To(Equal([]int{1}))
	g.Expect(report.Fatal).To(BeEmpty())
	g.Expect(report.Migrated()).To(Equal(1))

	g.Expect(h1.State()).To(Equal(domain.HostStatePoweredOff))
	g.Expect(h1.ResidentCount()).To(Equal(0))

	// host 2 received a guest this tick, so it was not evacuated
	host, ok := alloc.HostOf(1)
	g.Expect(ok).To(BeTrue())
	g.Expect(host).To(BeIdenticalTo(h2))
	g.Expect(h2.ResidentCount()).To(Equal(2))

	g.Expect(alloc.CheckInvariants()).To(Succeed())
	g.Expect(p.Stats()).To(Equal(Stats{Evaluations: 1, Migrations: 1, PoweredOff: 1}))
	g.Expect(p.LastReport()).To(BeIdenticalTo(report))
}

func TestPlan_DropsEvacuationWhenAnyGuestHasNoTarget(t *testing.T) {
	g := NewWithT(t)
	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)

	mustAllocate(t, alloc, newTestGuest(t, 1, 1, 300, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 2, 1, 300, 512), h1)
	// leaves room on host 2 for a single 512 MiB guest
	mustAllocate(t, alloc, newTestGuest(t, 3, 3, 800, 7500), h2)

	p := newTestPolicy(t, alloc, placement.NewPowerAware(0.8, zap.NewNop()))
	before := h2.Available().String()

	p.Classify(10)
	plan := p.Plan(10)

	g.Expect(plan.Evacuations).To(BeEmpty())
	g.Expect(plan.FailedEvacuations).To(HaveLen(1))
	g.Expect(plan.FailedEvacuations[0].HostID).To(Equal(1))
	g.Expect(plan.FailedEvacuations[0].Unplaced).To(Equal([]int{2}))
	g.Expect(errors.Is(plan.FailedEvacuations[0].Err, domain.ErrPartialConsolidation)).To(BeTrue())

	// planning holds are released
	g.Expect(h2.Available().String()).To(Equal(before))

	report := p.Apply(10, plan)
	g.Expect(report.PoweredOff).To(BeEmpty())
	g.Expect(h1.Active()).To(BeTrue())
	g.Expect(h1.ResidentCount()).To(Equal(2))
	g.Expect(alloc.CheckInvariants()).To(Succeed())
}

func TestApply_RollsBackEvacuationOnFailedMigration(t *testing.T) {
	g := NewWithT(t)
	h1, h2, h3 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec()), newTestHost(t, 3, hostSpec())
	alloc := newTestAllocation(t, h1, h2, h3)

	ga := newTestGuest(t, 1, 1, 500, 512)
	gb := newTestGuest(t, 2, 1, 500, 512)
	mustAllocate(t, alloc, ga, h1)
	mustAllocate(t, alloc, gb, h1)
	if err := h3.PowerOff(); err != nil {
		t.Fatalf("PowerOff failed: %v", err)
	}

	p := newTestPolicy(t, alloc, placement.NewFirstFit(zap.NewNop()))
	evac := &Evacuation{
		Host: h1,
		Moves: []*Move{
			newMove(ga, h1, h2, domain.MigrationReasonUnderUtilized),
			newMove(gb, h1, h3, domain.MigrationReasonUnderUtilized),
		},
	}
	plan := &Plan{Clock: 20, Evacuations: []*Evacuation{evac}}

	report := p.Apply(20, plan)

	g.Expect(evac.Moves[0].Action.Outcome).To(Equal(domain.MigrationOutcomeRolledBack))
	g.Expect(evac.Moves[1].Action.Outcome).To(Equal(domain.MigrationOutcomeRestored))
	g.Expect(report.PoweredOff).To(BeEmpty())
	g.Expect(report.Fatal).To(BeEmpty())
	g.Expect(report.Migrated()).To(Equal(0))

	g.Expect(h1.State()).To(Equal(domain.HostStateActive))
	g.Expect(h1.ResidentCount()).To(Equal(2))
	g.Expect(ga.HostID).To(Equal(1))
	g.Expect(gb.HostID).To(Equal(1))
	g.Expect(plan.FailedEvacuations).To(HaveLen(1))
	g.Expect(alloc.CheckInvariants()).To(Succeed())
}

func TestApply_SkipsGuestThatLeftItsSource(t *testing.T) {
	g := NewWithT(t)
	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)

	guest := newTestGuest(t, 1, 1, 500, 512)
	mustAllocate(t, alloc, guest, h1)

	p := newTestPolicy(t, alloc, placement.NewFirstFit(zap.NewNop()))
	move := newMove(guest, h1, h2, domain.MigrationReasonUnderUtilized)
	plan := &Plan{Clock: 1, Evacuations: []*Evacuation{{Host: h1, Moves: []*Move{move}}}}

	alloc.Deallocate(guest)
	report := p.Apply(1, plan)

	g.Expect(move.Action.Outcome).To(Equal(domain.MigrationOutcomeSkipped))
	g.Expect(report.PoweredOff).To(Equal([]int{1}))
	g.Expect(h2.ResidentCount()).To(Equal(0))
}

func TestPlan_KeepsOneHostWhenAllAreUnderUtilized(t *testing.T) {
	g := NewWithT(t)
	ctrl := gomock.NewController(t)

	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)
	mustAllocate(t, alloc, newTestGuest(t, 1, 1, 500, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 2, 1, 500, 512), h2)

	selector := mock_consolidation.NewMockHostSelector(ctrl)
	selector.EXPECT().PickHostToKeepActive([]*domain.Host{h1, h2}).Return(h1)
	selector.EXPECT().PickEvacuationTarget(h2, []*domain.Host{h1}).Return(h1)

	p := newTestPolicy(t, alloc, selector)
	report := p.Evaluate(30)

	g.Expect(report.PoweredOff).To(Equal([]int{2}))
	g.Expect(h1.ResidentCount()).To(Equal(2))
	g.Expect(h1.Active()).To(BeTrue())
	g.Expect(alloc.CheckInvariants()).To(Succeed())
}

func TestPlan_EmptyUnderUtilizedHostIsPoweredOff(t *testing.T) {
	g := NewWithT(t)
	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)
	mustAllocate(t, alloc, newTestGuest(t, 1, 2, 1000, 512), h1) // 0.5

	p := newTestPolicy(t, alloc, placement.NewPowerAware(0.8, zap.NewNop()))
	report := p.Evaluate(40)

	g.Expect(report.PoweredOff).To(Equal([]int{2}))
	g.Expect(report.Plan.Empty()).To(BeTrue())
	g.Expect(h2.State()).To(Equal(domain.HostStatePoweredOff))
}

// ============================================================================
// Over-utilization
// ============================================================================

func TestPlan_ShedsLargestGuestsFromOverUtilizedHost(t *testing.T) {
	g := NewWithT(t)
	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)

	mustAllocate(t, alloc, newTestGuest(t, 4, 1, 700, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 2, 1, 1000, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 1, 1, 1000, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 3, 1, 800, 512), h1) // 3500 / 4000

	p := newTestPolicy(t, alloc, placement.NewPowerAware(0.8, zap.NewNop()))
	report := p.Evaluate(50)

	plan := report.Plan
	g.Expect(plan.Shedding).To(HaveLen(1))
	g.Expect(plan.Shedding[0].Action.GuestID).To(Equal(1))
	g.Expect(plan.Shedding[0].Action.Reason).To(Equal(domain.MigrationReasonOverUtilized))
	g.Expect(plan.Shedding[0].Action.Outcome).To(Equal(domain.MigrationOutcomeApplied))

	// the receiving host is not evacuated in the same tick
	g.Expect(report.PoweredOff).To(BeEmpty())
	g.Expect(h1.CPUUtilization()).To(BeNumerically("~", 0.625, 1e-9))
	g.Expect(h2.ResidentCount()).To(Equal(1))
	g.Expect(alloc.CheckInvariants()).To(Succeed())
}

func TestPlan_SkipsGuestWithoutTarget(t *testing.T) {
	g := NewWithT(t)
	ctrl := gomock.NewController(t)

	h1, h2 := newTestHost(t, 1, hostSpec()), newTestHost(t, 2, hostSpec())
	alloc := newTestAllocation(t, h1, h2)
	mustAllocate(t, alloc, newTestGuest(t, 1, 4, 950, 512), h1)
	mustAllocate(t, alloc, newTestGuest(t, 2, 2, 500, 512), h2) // 0.25

	selector := mock_consolidation.NewMockHostSelector(ctrl)
	selector.EXPECT().SelectHostFor(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	p := newTestPolicy(t, alloc, selector)
	p.Classify(60)
	plan := p.Plan(60)

	g.Expect(plan.Shedding).To(BeEmpty())
	g.Expect(plan.Skipped).To(HaveLen(1))
	g.Expect(plan.Skipped[0].GuestID).To(Equal(1))
	g.Expect(errors.Is(plan.Skipped[0].Err, domain.ErrCapacityExhausted)).To(BeTrue())
}
