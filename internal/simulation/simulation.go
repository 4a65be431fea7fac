// Package simulation is the run context: it builds the datacenter from
// configuration, owns the run's registries and wires kernel events to the
// allocation, scaling, consolidation and task-graph policies.
package simulation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/allocation"
	"github.com/limiquantix/vmsim/internal/autoscaling"
	"github.com/limiquantix/vmsim/internal/config"
	"github.com/limiquantix/vmsim/internal/consolidation"
	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/kernel"
	"github.com/limiquantix/vmsim/internal/placement"
	"github.com/limiquantix/vmsim/internal/report"
	"github.com/limiquantix/vmsim/internal/repository/memory"
	"github.com/limiquantix/vmsim/internal/taskgraph"
)

// Event tags handled by the run context.
const (
	EventTick = "simulation.tick"
	EventWave = "workload.wave"
)

// Simulation is one run. Kernel callbacks are serialized by mu.
type Simulation struct {
	cfg    *config.Config
	runID  string
	logger *zap.Logger
	sink   report.Sink

	kernel        *kernel.Kernel
	hosts         []*domain.Host
	selector      placement.Selector
	alloc         *allocation.Policy
	scaler        *autoscaling.Scaler
	consolidation *consolidation.Policy
	tasks         *taskgraph.Scheduler
	guests        *memory.GuestRepository
	cloudlets     *memory.CloudletRepository

	mu                sync.Mutex
	ctx               context.Context
	apps              []*taskgraph.AppCloudlet
	waves             []config.WaveConfig
	nextWave          int
	nextCloudletID    int
	nextBind          int
	nextConsolidation float64
	finished          map[int]bool
	violations        []error
}

// New builds the datacenter, the initial guest pool and every policy.
// A nil sink discards events.
func New(cfg *config.Config, sink report.Sink, logger *zap.Logger) (*Simulation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: simulation requires a configuration", domain.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = report.Fanout{}
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	s := &Simulation{
		cfg:               cfg,
		runID:             runID,
		logger:            logger.With(zap.String("component", "simulation")),
		sink:              sink,
		kernel:            kernel.New(logger),
		guests:            memory.NewGuestRepository(),
		cloudlets:         memory.NewCloudletRepository(),
		nextConsolidation: cfg.Consolidation.Interval,
		finished:          make(map[int]bool),
	}

	for i := 0; i < cfg.Datacenter.Hosts; i++ {
		h, err := domain.NewHost(i, cfg.Datacenter.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to create host %d: %w", i, err)
		}
		s.hosts = append(s.hosts, h)
	}

	var err error
	s.selector, err = placement.New(placement.Config{
		Strategy:           cfg.Placement.Strategy,
		UtilizationCeiling: cfg.Placement.UtilizationCeiling,
	}, logger)
	if err != nil {
		return nil, err
	}

	s.alloc, err = allocation.New(s.hosts, s.selector, s.kernel, logger)
	if err != nil {
		return nil, err
	}

	factory := autoscaling.TemplateFactory(cfg.Simulation.UserID, cfg.VMTemplate)
	for id := 0; id < cfg.AutoScaling.Initial; id++ {
		g, err := factory(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create initial guest %d: %w", id, err)
		}
		if err := s.guests.Add(g); err != nil {
			return nil, err
		}
		if !s.alloc.AllocateHostForGuest(g) {
			s.logger.Warn("Initial guest could not be placed",
				zap.Int("guest_id", g.ID),
				zap.Error(domain.ErrCapacityExhausted),
			)
		}
	}

	s.scaler, err = autoscaling.New(cfg.AutoScaling, s.guests, s.cloudlets, s.alloc, factory, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Consolidation.Enabled {
		s.consolidation, err = consolidation.New(cfg.Consolidation, s.alloc, s.selector, logger)
		if err != nil {
			return nil, err
		}
	}

	s.tasks, err = taskgraph.NewScheduler(s.kernel, logger)
	if err != nil {
		return nil, err
	}

	s.kernel.Handle(EventTick, s.OnTick)
	s.kernel.Handle(EventWave, s.onWave)
	s.kernel.Handle(taskgraph.EventStageComplete, s.OnCloudletStageComplete)

	s.logger.Info("Simulation created",
		zap.String("datacenter", cfg.Datacenter.Name),
		zap.Int("hosts", len(s.hosts)),
		zap.Int("initial_guests", cfg.AutoScaling.Initial),
		zap.String("placement", s.selector.Name()),
		zap.Bool("consolidation", cfg.Consolidation.Enabled),
	)
	return s, nil
}

// RunID returns the unique id of the run.
func (s *Simulation) RunID() string { return s.runID }

// Run submits the configured workload, drives the kernel until the
// configured duration and collects the results.
func (s *Simulation) Run(ctx context.Context) (*Results, error) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.publish(report.EventRunStarted, 0, domain.NoHost, map[string]interface{}{
		"datacenter": s.cfg.Datacenter.Name,
		"hosts":      len(s.hosts),
		"duration":   s.cfg.Simulation.Duration,
	})

	if err := s.scheduleWorkload(); err != nil {
		return nil, err
	}
	if err := s.kernel.ScheduleAt(0, EventTick, kernel.NoEntity); err != nil {
		return nil, err
	}

	if err := s.kernel.Run(ctx, s.cfg.Simulation.Duration); err != nil {
		return nil, fmt.Errorf("simulation interrupted: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clock := s.kernel.Now()
	s.collectFinishedLocked(clock)
	for _, id := range s.tasks.Stalled() {
		s.publish(report.EventCloudletStalled, clock, id, nil)
	}

	results := s.resultsLocked(clock)
	s.publish(report.EventRunFinished, clock, domain.NoHost, results)
	return results, nil
}

// OnTick runs the periodic policies: scaling first, then broker binding of
// unassigned cloudlets, then consolidation when its interval has elapsed.
func (s *Simulation) OnTick(clock float64, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.placeUnallocatedLocked(clock)

	decision, created, err := s.scaler.Check(clock)
	if err != nil {
		s.logger.Error("Scaling check failed", zap.Float64("clock", clock), zap.Error(err))
	}
	if len(created) > 0 {
		s.publish(report.EventScaling, clock, domain.NoHost, decision)
	}

	s.bindCloudletsLocked(clock)

	if s.consolidation != nil && clock >= s.nextConsolidation {
		s.nextConsolidation += s.cfg.Consolidation.Interval
		rep := s.consolidation.Evaluate(clock)
		for _, ferr := range rep.Fatal {
			s.logger.Error("Consolidation left a guest without a host", zap.Float64("clock", clock), zap.Error(ferr))
		}
		s.publish(report.EventConsolidation, clock, domain.NoHost, consolidationSummary(rep))
	}

	s.collectFinishedLocked(clock)
	s.checkInvariantsLocked(clock)

	if next := clock + s.cfg.Simulation.TickInterval; next <= s.cfg.Simulation.Duration {
		s.kernel.Schedule(s.cfg.Simulation.TickInterval, EventTick, kernel.NoEntity)
	}
}

// OnCloudletStageComplete advances the cloudlet whose EXECUTION stage ended.
func (s *Simulation) OnCloudletStageComplete(clock float64, cloudletID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks.OnStageComplete(clock, cloudletID)
	s.collectFinishedLocked(clock)
}

// placeUnallocatedLocked retries guests that found no host when created.
func (s *Simulation) placeUnallocatedLocked(clock float64) {
	for _, g := range s.guests.List() {
		if g.Allocated() {
			continue
		}
		if s.alloc.AllocateHostForGuest(g) {
			s.logger.Info("Placed waiting guest",
				zap.Float64("clock", clock),
				zap.Int("guest_id", g.ID),
				zap.Int("host_id", g.HostID),
			)
		}
	}
}

// collectFinishedLocked publishes every cloudlet that finished since the
// previous call.
func (s *Simulation) collectFinishedLocked(clock float64) {
	for _, c := range s.cloudlets.List() {
		if s.finished[c.ID] || !c.Finished() {
			continue
		}
		s.finished[c.ID] = true
		s.publish(report.EventCloudletFinished, clock, c.ID, map[string]interface{}{
			"guest_id":    c.GuestID(),
			"start_time":  c.StartTime(),
			"finish_time": c.FinishTime(),
			"cpu_time":    c.ActualCPUTime(),
		})
	}
}

// CheckInvariants verifies the allocation table against the hosts and the
// guest registry.
func (s *Simulation) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invariantsLocked()
}

func (s *Simulation) invariantsLocked() error {
	if err := s.alloc.CheckInvariants(); err != nil {
		return err
	}
	for _, g := range s.guests.List() {
		h, ok := s.alloc.HostOf(g.ID)
		switch {
		case ok && h.ID != g.HostID:
			return fmt.Errorf("%w: guest %d records host %d but is mapped to %d", domain.ErrConflict, g.ID, g.HostID, h.ID)
		case !ok && g.Allocated():
			return fmt.Errorf("%w: guest %d records host %d but is not mapped", domain.ErrConflict, g.ID, g.HostID)
		}
	}
	if s.cfg.AutoScaling.Enabled && s.guests.Count() > s.cfg.AutoScaling.Max {
		return fmt.Errorf("%w: %d guests exceed the scaling maximum %d", domain.ErrConflict, s.guests.Count(), s.cfg.AutoScaling.Max)
	}
	return nil
}

func (s *Simulation) checkInvariantsLocked(clock float64) {
	err := s.invariantsLocked()
	if err == nil {
		return
	}
	if n := len(s.violations); n > 0 && s.violations[n-1].Error() == err.Error() {
		return
	}
	s.violations = append(s.violations, err)
	s.logger.Error("Invariant violated", zap.Float64("clock", clock), zap.Error(err))
	s.publish(report.EventInvariantViolated, clock, domain.NoHost, err.Error())
}

func (s *Simulation) publish(eventType string, clock float64, resourceID int, data interface{}) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	event := report.Event{
		Type:       eventType,
		RunID:      s.runID,
		Clock:      clock,
		ResourceID: resourceID,
		Data:       data,
	}
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("type", eventType),
			zap.Float64("clock", clock),
			zap.Error(err),
		)
	}
}

// Hosts returns the datacenter hosts in id order.
func (s *Simulation) Hosts() []*domain.Host { return s.alloc.Hosts() }

// Guests returns every guest created during the run, in creation order.
func (s *Simulation) Guests() []*domain.Guest { return s.guests.List() }

// Cloudlets returns every submitted cloudlet, in submission order.
func (s *Simulation) Cloudlets() []*taskgraph.NetworkCloudlet { return s.cloudlets.List() }

// Apps returns the submitted applications.
func (s *Simulation) Apps() []*taskgraph.AppCloudlet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*taskgraph.AppCloudlet, len(s.apps))
	copy(out, s.apps)
	return out
}
