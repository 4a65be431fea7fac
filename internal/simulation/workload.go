package simulation

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/kernel"
	"github.com/limiquantix/vmsim/internal/taskgraph"
)

const tandemAppName = "tandem"

// scheduleWorkload queues the configured waves and submits the tandem
// application. Waves are queued before the first tick so that a wave and a
// tick at the same time are handled wave first.
func (s *Simulation) scheduleWorkload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waves = append(s.waves[:0], s.cfg.Workload.Waves...)
	sort.SliceStable(s.waves, func(i, j int) bool { return s.waves[i].At < s.waves[j].At })

	for _, w := range s.waves {
		if err := s.kernel.ScheduleAt(w.At, EventWave, kernel.NoEntity); err != nil {
			return err
		}
	}

	if s.cfg.Workload.TandemApp.Enabled {
		if _, err := s.submitTandemAppLocked(); err != nil {
			return fmt.Errorf("failed to submit tandem application: %w", err)
		}
	}
	return nil
}

// onWave submits the next wave. Wave events fire in the order the waves
// were sorted in.
func (s *Simulation) onWave(clock float64, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextWave >= len(s.waves) {
		return
	}
	w := s.waves[s.nextWave]
	s.nextWave++

	tmpl := s.cfg.Workload.Cloudlet
	for i := 0; i < w.Cloudlets; i++ {
		c, err := s.newCloudletLocked(tmpl.Length)
		if err == nil {
			err = c.AddExecutionStage(tmpl.Length)
		}
		if err == nil {
			err = s.submitLocked(c)
		}
		if err != nil {
			s.logger.Error("Failed to submit cloudlet", zap.Float64("clock", clock), zap.Error(err))
			return
		}
	}

	s.logger.Info("Submitted workload wave",
		zap.Float64("clock", clock),
		zap.Int("cloudlets", w.Cloudlets),
		zap.Int("total", s.cloudlets.Count()),
	)
}

// Submit registers a cloudlet built by the caller. It is bound to a guest
// at the next tick.
func (s *Simulation) Submit(c *taskgraph.NetworkCloudlet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(c)
}

// SubmitApp registers an application and submits its cloudlets in list
// order.
func (s *Simulation) SubmitApp(app *taskgraph.AppCloudlet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitAppLocked(app)
}

// NewCloudletID reserves the next cloudlet id.
func (s *Simulation) NewCloudletID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextCloudletID
	s.nextCloudletID++
	return id
}

func (s *Simulation) submitAppLocked(app *taskgraph.AppCloudlet) error {
	for _, c := range app.Cloudlets() {
		if err := s.submitLocked(c); err != nil {
			return fmt.Errorf("application %d: %w", app.ID, err)
		}
	}
	s.apps = append(s.apps, app)
	return nil
}

func (s *Simulation) submitLocked(c *taskgraph.NetworkCloudlet) error {
	if err := s.cloudlets.Add(c); err != nil {
		return err
	}
	if c.ID >= s.nextCloudletID {
		s.nextCloudletID = c.ID + 1
	}
	return s.tasks.Submit(c)
}

func (s *Simulation) newCloudletLocked(length float64) (*taskgraph.NetworkCloudlet, error) {
	tmpl := s.cfg.Workload.Cloudlet
	id := s.nextCloudletID
	s.nextCloudletID++
	return taskgraph.NewNetworkCloudlet(id, s.cfg.Simulation.UserID, length, tmpl.PEs, tmpl.FileSize, tmpl.OutputSize)
}

// submitTandemAppLocked builds a two-cloudlet application: the sender
// executes then sends to the receiver, which waits for the payload and then
// executes.
func (s *Simulation) submitTandemAppLocked() (*taskgraph.AppCloudlet, error) {
	tc := s.cfg.Workload.TandemApp

	sender, err := s.newCloudletLocked(tc.ExecLength)
	if err != nil {
		return nil, err
	}
	receiver, err := s.newCloudletLocked(tc.ExecLength)
	if err != nil {
		return nil, err
	}

	for _, err := range []error{
		sender.AddExecutionStage(tc.ExecLength),
		sender.AddSendStage(tc.SendBytes, receiver.ID),
		receiver.AddRecvStage(sender.ID),
		receiver.AddExecutionStage(tc.ExecLength),
	} {
		if err != nil {
			return nil, err
		}
	}

	app := taskgraph.NewAppCloudlet(len(s.apps), s.cfg.Simulation.UserID, tandemAppName, tc.Deadline)
	app.Add(sender)
	app.Add(receiver)
	if err := s.submitAppLocked(app); err != nil {
		return nil, err
	}
	return app, nil
}

// bindCloudletsLocked assigns every unassigned cloudlet round-robin to the
// allocated guests, in creation order, and dispatches it.
func (s *Simulation) bindCloudletsLocked(clock float64) {
	unassigned := s.cloudlets.ListUnassigned()
	if len(unassigned) == 0 {
		return
	}
	guests := s.guests.ListAllocated()
	if len(guests) == 0 {
		s.logger.Warn("No allocated guest to bind cloudlets to",
			zap.Float64("clock", clock),
			zap.Int("unassigned", len(unassigned)),
			zap.Error(domain.ErrCapacityExhausted),
		)
		return
	}

	for _, c := range unassigned {
		g := guests[s.nextBind%len(guests)]
		s.nextBind++

		c.AssignGuest(g.ID)
		if err := s.tasks.Dispatch(clock, c.ID, executionRate(g, c)); err != nil {
			s.logger.Warn("Failed to dispatch cloudlet",
				zap.Float64("clock", clock),
				zap.Int("cloudlet_id", c.ID),
				zap.Int("guest_id", g.ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Debug("Bound cloudlets",
		zap.Float64("clock", clock),
		zap.Int("cloudlets", len(unassigned)),
		zap.Int("guests", len(guests)),
	)
}

// executionRate is the MIPS a cloudlet gets on a guest: one guest PE per
// cloudlet PE, up to the guest's PE count.
func executionRate(g *domain.Guest, c *taskgraph.NetworkCloudlet) float64 {
	return g.Spec.MIPS * float64(min(g.Spec.PEs, c.PEs))
}
