package taskgraph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/domain"
)

// EventStageComplete is the event tag the scheduler requests when an
// EXECUTION stage is due to finish.
const EventStageComplete = "cloudlet.stage_complete"

// EventScheduler queues a future event for an entity.
type EventScheduler interface {
	Schedule(delay float64, tag string, entityID int)
}

type payload struct {
	source int
	bytes  float64
}

// Scheduler advances network cloudlets through their stages. Blocking on
// WAIT_RECV never suspends the caller; the cloudlet is parked and woken when
// the matching payload arrives.
type Scheduler struct {
	events EventScheduler
	logger *zap.Logger

	mu        sync.Mutex
	cloudlets *orderedmap.OrderedMap[int, *NetworkCloudlet]
	rates     map[int]float64
	pending   map[int][]payload
	wakes     []int
}

// NewScheduler creates a task graph scheduler.
func NewScheduler(events EventScheduler, logger *zap.Logger) (*Scheduler, error) {
	if events == nil {
		return nil, fmt.Errorf("%w: task graph scheduler requires an event scheduler", domain.ErrInvalidConfiguration)
	}
	return &Scheduler{
		events:    events,
		logger:    logger.With(zap.String("component", "taskgraph")),
		cloudlets: orderedmap.NewOrderedMap[int, *NetworkCloudlet](),
		rates:     make(map[int]float64),
		pending:   make(map[int][]payload),
	}, nil
}

// Submit seals the cloudlet's stage list and registers it. Payloads sent to
// the cloudlet before it was submitted are delivered now.
func (s *Scheduler) Submit(c *NetworkCloudlet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cloudlets.Get(c.ID); exists {
		return fmt.Errorf("cloudlet %d: %w", c.ID, domain.ErrAlreadyExists)
	}
	c.seal()
	s.cloudlets.Set(c.ID, c)

	for _, p := range s.pending[c.ID] {
		c.deliver(p.source, p.bytes)
	}
	delete(s.pending, c.ID)
	return nil
}

// Dispatch starts a submitted cloudlet at stage 0, executing at mipsRate.
func (s *Scheduler) Dispatch(clock float64, cloudletID int, mipsRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cloudlets.Get(cloudletID)
	if !ok {
		return fmt.Errorf("cloudlet %d: %w", cloudletID, domain.ErrNotFound)
	}
	if mipsRate <= 0 {
		return fmt.Errorf("%w: cloudlet %d dispatched at %.2f MIPS", domain.ErrInvalidConfiguration, cloudletID, mipsRate)
	}

	c.mu.Lock()
	if c.state != CloudletStateCreated {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cloudlet %d is %s: %w", cloudletID, state, domain.ErrConflict)
	}
	c.state = CloudletStateRunning
	c.cursor = 0
	c.startTime = clock
	c.stageStart = clock
	c.mu.Unlock()

	s.rates[cloudletID] = mipsRate
	s.logger.Debug("Cloudlet dispatched",
		zap.Float64("clock", clock),
		zap.Int("cloudlet_id", cloudletID),
		zap.Int("guest_id", c.GuestID()),
		zap.Float64("mips_rate", mipsRate),
	)

	s.advance(clock, c)
	s.drainWakes(clock)
	return nil
}

// OnStageComplete is called by the kernel when an EXECUTION stage finishes.
// Events for cloudlets that are no longer running are ignored.
func (s *Scheduler) OnStageComplete(clock float64, cloudletID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cloudlets.Get(cloudletID)
	if !ok {
		s.logger.Warn("Stage completion for unknown cloudlet",
			zap.Float64("clock", clock),
			zap.Int("cloudlet_id", cloudletID),
		)
		return
	}

	c.mu.Lock()
	if c.state != CloudletStateRunning || c.stages[c.cursor].Kind != StageExecution {
		c.mu.Unlock()
		s.logger.Debug("Ignoring stale stage completion",
			zap.Float64("clock", clock),
			zap.Int("cloudlet_id", cloudletID),
		)
		return
	}
	c.completeStageLocked(clock)
	c.mu.Unlock()

	s.advance(clock, c)
	s.drainWakes(clock)
}

// Remove cancels a cloudlet. It sends nothing afterwards, so cloudlets
// waiting on it stay blocked. Removing a finished cloudlet is a no-op.
func (s *Scheduler) Remove(clock float64, cloudletID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cloudlets.Get(cloudletID)
	if !ok {
		return fmt.Errorf("cloudlet %d: %w", cloudletID, domain.ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CloudletStateFinished || c.state == CloudletStateCancelled {
		return nil
	}
	c.state = CloudletStateCancelled
	c.finishTime = clock

	s.logger.Info("Cloudlet cancelled",
		zap.Float64("clock", clock),
		zap.Int("cloudlet_id", cloudletID),
	)
	return nil
}

// advance runs stages of c until it schedules an execution, blocks or finishes.
func (s *Scheduler) advance(clock float64, c *NetworkCloudlet) {
	for {
		c.mu.Lock()
		if c.state != CloudletStateRunning {
			c.mu.Unlock()
			return
		}
		stage := &c.stages[c.cursor]

		switch stage.Kind {
		case StageExecution:
			length := stage.Length
			c.mu.Unlock()
			delay := length / s.rates[c.ID]
			s.events.Schedule(delay, EventStageComplete, c.ID)
			return

		case StageWaitSend:
			target, bytes := stage.Peer, stage.Length
			c.completeStageLocked(clock)
			c.mu.Unlock()
			s.send(clock, c.ID, target, bytes)

		case StageWaitRecv:
			queue := c.inbox[stage.Peer]
			if len(queue) == 0 {
				c.state = CloudletStateBlocked
				source := stage.Peer
				c.mu.Unlock()
				s.logger.Debug("Cloudlet waiting for payload",
					zap.Float64("clock", clock),
					zap.Int("cloudlet_id", c.ID),
					zap.Int("source_cloudlet_id", source),
				)
				return
			}
			c.inbox[stage.Peer] = queue[1:]
			c.completeStageLocked(clock)
			c.mu.Unlock()

		case StageFinish:
			stage.Completed = true
			c.cursor = len(c.stages)
			c.state = CloudletStateFinished
			c.finishTime = clock
			c.mu.Unlock()
			s.logger.Info("Cloudlet finished",
				zap.Float64("clock", clock),
				zap.Int("cloudlet_id", c.ID),
			)
			return

		default:
			c.mu.Unlock()
			return
		}
	}
}

// completeStageLocked records the current stage as done and moves on.
func (c *NetworkCloudlet) completeStageLocked(clock float64) {
	stage := &c.stages[c.cursor]
	stage.Completed = true
	stage.ProcessingTime = clock - c.stageStart
	c.cursor++
	c.stageStart = clock
}

func (s *Scheduler) send(clock float64, source, target int, bytes float64) {
	t, ok := s.cloudlets.Get(target)
	if !ok {
		s.pending[target] = append(s.pending[target], payload{source: source, bytes: bytes})
		s.logger.Debug("Payload held for unsubmitted cloudlet",
			zap.Float64("clock", clock),
			zap.Int("cloudlet_id", source),
			zap.Int("target_cloudlet_id", target),
		)
		return
	}

	t.deliver(source, bytes)
	if t.blockedOn(source) {
		s.wakes = append(s.wakes, target)
	}
}

// drainWakes resumes woken receivers in ascending cloudlet id order.
func (s *Scheduler) drainWakes(clock float64) {
	for len(s.wakes) > 0 {
		slices.Sort(s.wakes)
		id := s.wakes[0]
		s.wakes = s.wakes[1:]

		c, ok := s.cloudlets.Get(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		if c.state != CloudletStateBlocked {
			c.mu.Unlock()
			continue
		}
		c.state = CloudletStateRunning
		c.mu.Unlock()

		s.advance(clock, c)
	}
}

// Cloudlet returns a submitted cloudlet.
func (s *Scheduler) Cloudlet(id int) (*NetworkCloudlet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloudlets.Get(id)
}

// Cloudlets returns every submitted cloudlet in submission order.
func (s *Scheduler) Cloudlets() []*NetworkCloudlet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*NetworkCloudlet, 0, s.cloudlets.Len())
	for el := s.cloudlets.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Stalled returns the ids of cloudlets blocked on a receive.
func (s *Scheduler) Stalled() []int {
	return s.filter(func(c *NetworkCloudlet) bool {
		return c.State() == CloudletStateBlocked
	})
}

// Incomplete returns the ids of cloudlets that have not finished, including
// cancelled ones.
func (s *Scheduler) Incomplete() []int {
	return s.filter(func(c *NetworkCloudlet) bool {
		return !c.Finished()
	})
}

func (s *Scheduler) filter(keep func(*NetworkCloudlet) bool) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for el := s.cloudlets.Front(); el != nil; el = el.Next() {
		if keep(el.Value) {
			ids = append(ids, el.Key)
		}
	}
	return ids
}
