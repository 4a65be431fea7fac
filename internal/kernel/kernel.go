// Package kernel is a minimal discrete-event clock: a time-ordered event
// queue with tag-based dispatch.
package kernel

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/domain"
)

// NoEntity is the entity id of events that do not target a cloudlet. They
// run before entity events sharing their timestamp.
const NoEntity = -1

// Handler processes one event.
type Handler func(clock float64, entityID int)

// Event is a queued callback.
type Event struct {
	Time     float64
	Tag      string
	EntityID int

	seq uint64
}

// Kernel owns the simulated clock. Events are delivered in (time, entity
// id, insertion) order.
type Kernel struct {
	logger *zap.Logger

	mu        sync.Mutex
	clock     float64
	queue     eventQueue
	seq       uint64
	handlers  map[string]Handler
	processed int
}

// New creates a kernel at time zero.
func New(logger *zap.Logger) *Kernel {
	return &Kernel{
		logger:   logger.With(zap.String("component", "kernel")),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for tag, replacing any previous one.
func (k *Kernel) Handle(tag string, h Handler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers[tag] = h
}

// Now returns the current simulated time.
func (k *Kernel) Now() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.clock
}

// Schedule queues an event delay time units from now. Negative delays are
// treated as zero.
func (k *Kernel) Schedule(delay float64, tag string, entityID int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	k.seq++
	heap.Push(&k.queue, &Event{Time: k.clock + delay, Tag: tag, EntityID: entityID, seq: k.seq})
}

// ScheduleAt queues an event at an absolute time, which must not be in the past.
func (k *Kernel) ScheduleAt(at float64, tag string, entityID int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if at < k.clock {
		return fmt.Errorf("%w: event %q at %.2f is before the clock %.2f", domain.ErrConflict, tag, at, k.clock)
	}
	k.seq++
	heap.Push(&k.queue, &Event{Time: at, Tag: tag, EntityID: entityID, seq: k.seq})
	return nil
}

// Pending returns the number of queued events.
func (k *Kernel) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.queue.Len()
}

// Processed returns the number of events delivered so far.
func (k *Kernel) Processed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processed
}

// Run delivers events up to and including time until, then advances the
// clock to until. Handlers run without the kernel lock held and may
// schedule further events.
func (k *Kernel) Run(ctx context.Context, until float64) error {
	k.logger.Info("Simulation started", zap.Float64("until", until))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, h, ok := k.next(until)
		if !ok {
			break
		}
		if h == nil {
			k.logger.Warn("No handler for event",
				zap.Float64("clock", ev.Time),
				zap.String("tag", ev.Tag),
				zap.Int("entity_id", ev.EntityID),
			)
			continue
		}
		h(ev.Time, ev.EntityID)
	}

	k.mu.Lock()
	if k.clock < until {
		k.clock = until
	}
	processed, pending := k.processed, k.queue.Len()
	k.mu.Unlock()

	k.logger.Info("Simulation stopped",
		zap.Float64("clock", until),
		zap.Int("processed", processed),
		zap.Int("pending", pending),
	)
	return nil
}

func (k *Kernel) next(until float64) (*Event, Handler, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.queue.Len() == 0 || k.queue[0].Time > until {
		return nil, nil, false
	}
	ev := heap.Pop(&k.queue).(*Event)
	k.clock = ev.Time
	k.processed++
	return ev, k.handlers[ev.Tag], true
}

// eventQueue implements heap.Interface.
type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	return a.seq < b.seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) {
	*q = append(*q, x.(*Event))
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
