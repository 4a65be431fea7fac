package taskgraph_test

import (
	"errors"
	"math"
	"sort"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/taskgraph"
)

type event struct {
	at  float64
	tag string
	id  int
	seq int
}

// fakeEvents is a minimal event queue ordered by time, then entity id.
type fakeEvents struct {
	now    float64
	seq    int
	queue  []event
	target *taskgraph.Scheduler
}

func (f *fakeEvents) Schedule(delay float64, tag string, entityID int) {
	f.seq++
	f.queue = append(f.queue, event{at: f.now + delay, tag: tag, id: entityID, seq: f.seq})
}

func (f *fakeEvents) run() {
	for len(f.queue) > 0 {
		sort.Slice(f.queue, func(i, j int) bool {
			a, b := f.queue[i], f.queue[j]
			if a.at != b.at {
				return a.at < b.at
			}
			if a.id != b.id {
				return a.id < b.id
			}
			return a.seq < b.seq
		})
		ev := f.queue[0]
		f.queue = f.queue[1:]
		f.now = ev.at
		Expect(ev.tag).To(Equal(taskgraph.EventStageComplete))
		f.target.OnStageComplete(f.now, ev.id)
	}
}

func newCloudlet(id int, length float64) *taskgraph.NetworkCloudlet {
	c, err := taskgraph.NewNetworkCloudlet(id, 1, length, 1, 300, 300)
	Expect(err).ToNot(HaveOccurred())
	return c
}

var _ = Describe("Scheduler", func() {
	var (
		events    *fakeEvents
		scheduler *taskgraph.Scheduler
	)

	BeforeEach(func() {
		events = &fakeEvents{}
		var err error
		scheduler, err = taskgraph.NewScheduler(events, logger)
		Expect(err).ToNot(HaveOccurred())
		events.target = scheduler
	})

	Context("send and receive between two cloudlets", func() {
		var a, b *taskgraph.NetworkCloudlet

		BeforeEach(func() {
			a = newCloudlet(1, 1000)
			Expect(a.AddExecutionStage(1000)).To(Succeed())
			Expect(a.AddSendStage(1000, 2)).To(Succeed())

			b = newCloudlet(2, 1000)
			Expect(b.AddRecvStage(1)).To(Succeed())
			Expect(b.AddExecutionStage(1000)).To(Succeed())

			Expect(scheduler.Submit(a)).To(Succeed())
			Expect(scheduler.Submit(b)).To(Succeed())
		})

		It("should append a FINISH stage on submission", func() {
			stages := a.Stages()
			Expect(stages).To(HaveLen(3))
			Expect(stages[2].Kind).To(Equal(taskgraph.StageFinish))
			Expect(a.Cursor()).To(Equal(taskgraph.NotStarted))
		})

		It("should only complete the receive after the send", func() {
			Expect(scheduler.Dispatch(0, 1, 1000)).To(Succeed())
			Expect(scheduler.Dispatch(0, 2, 1000)).To(Succeed())

			Expect(b.State()).To(Equal(taskgraph.CloudletStateBlocked))
			Expect(b.Cursor()).To(Equal(0))
			Expect(scheduler.Stalled()).To(Equal([]int{2}))

			events.run()

			Expect(a.Finished()).To(BeTrue())
			Expect(a.FinishTime()).To(Equal(1.0))
			Expect(b.Finished()).To(BeTrue())
			Expect(b.FinishTime()).To(Equal(2.0))
			Expect(b.Cursor()).To(Equal(len(b.Stages())))

			recv := b.Stages()[0]
			Expect(recv.Completed).To(BeTrue())
			Expect(recv.ProcessingTime).To(Equal(1.0))
			Expect(a.Stages()[0].ProcessingTime).To(Equal(1.0))

			Expect(scheduler.Stalled()).To(BeEmpty())
			Expect(scheduler.Incomplete()).To(BeEmpty())
		})

		It("should never advance the receiver if the sender is removed first", func() {
			Expect(scheduler.Dispatch(0, 1, 1000)).To(Succeed())
			Expect(scheduler.Dispatch(0, 2, 1000)).To(Succeed())
			Expect(scheduler.Remove(0.5, 1)).To(Succeed())

			events.run()

			Expect(a.State()).To(Equal(taskgraph.CloudletStateCancelled))
			Expect(b.State()).To(Equal(taskgraph.CloudletStateBlocked))
			Expect(b.Cursor()).To(Equal(0))
			Expect(scheduler.Stalled()).To(Equal([]int{2}))
			Expect(scheduler.Incomplete()).To(Equal([]int{1, 2}))
		})

		It("should let the receiver pass straight through when the payload is already there", func() {
			Expect(scheduler.Dispatch(0, 1, 1000)).To(Succeed())
			events.run()

			events.now = 5
			Expect(scheduler.Dispatch(5, 2, 1000)).To(Succeed())
			Expect(b.State()).To(Equal(taskgraph.CloudletStateRunning))
			Expect(b.Cursor()).To(Equal(1))

			events.run()
			Expect(b.FinishTime()).To(Equal(6.0))
		})
	})

	It("should hold payloads for cloudlets that are not submitted yet", func() {
		a := newCloudlet(1, 10)
		Expect(a.AddSendStage(64, 2)).To(Succeed())
		Expect(scheduler.Submit(a)).To(Succeed())
		Expect(scheduler.Dispatch(0, 1, 100)).To(Succeed())
		Expect(a.Finished()).To(BeTrue())

		b := newCloudlet(2, 10)
		Expect(b.AddRecvStage(1)).To(Succeed())
		Expect(scheduler.Submit(b)).To(Succeed())
		Expect(scheduler.Dispatch(1, 2, 100)).To(Succeed())
		Expect(b.Finished()).To(BeTrue())
	})

	It("should reject bad dispatches", func() {
		c := newCloudlet(1, 100)
		Expect(c.AddExecutionStage(100)).To(Succeed())

		err := scheduler.Dispatch(0, 1, 100)
		Expect(errors.Is(err, domain.ErrNotFound)).To(BeTrue())

		Expect(scheduler.Submit(c)).To(Succeed())
		Expect(errors.Is(scheduler.Submit(c), domain.ErrAlreadyExists)).To(BeTrue())
		Expect(errors.Is(scheduler.Dispatch(0, 1, 0), domain.ErrInvalidConfiguration)).To(BeTrue())

		Expect(scheduler.Dispatch(0, 1, 100)).To(Succeed())
		Expect(errors.Is(scheduler.Dispatch(0, 1, 100), domain.ErrConflict)).To(BeTrue())
	})

	It("should ignore stale completion events", func() {
		c := newCloudlet(1, 100)
		Expect(c.AddExecutionStage(100)).To(Succeed())
		Expect(scheduler.Submit(c)).To(Succeed())

		scheduler.OnStageComplete(3, 1)
		Expect(c.State()).To(Equal(taskgraph.CloudletStateCreated))

		scheduler.OnStageComplete(3, 99)
	})
})

var _ = Describe("NetworkCloudlet", func() {
	It("should reject invalid construction", func() {
		_, err := taskgraph.NewNetworkCloudlet(1, 1, 0, 1, 0, 0)
		Expect(errors.Is(err, domain.ErrInvalidConfiguration)).To(BeTrue())
	})

	It("should refuse new stages once sealed", func() {
		events := &fakeEvents{}
		scheduler, err := taskgraph.NewScheduler(events, logger)
		Expect(err).ToNot(HaveOccurred())

		c := newCloudlet(1, 100)
		Expect(scheduler.Submit(c)).To(Succeed())
		Expect(errors.Is(c.AddExecutionStage(10), domain.ErrConflict)).To(BeTrue())
	})

	It("should replace stages atomically and refuse while running", func() {
		events := &fakeEvents{}
		scheduler, err := taskgraph.NewScheduler(events, logger)
		Expect(err).ToNot(HaveOccurred())
		events.target = scheduler

		c := newCloudlet(1, 500)
		Expect(c.AddRecvStage(7)).To(Succeed())
		Expect(scheduler.Submit(c)).To(Succeed())

		app := taskgraph.NewAppCloudlet(1, 1, "app", 100)
		app.Add(c)
		Expect(app.UpdateExecutionStages(c)).To(Succeed())

		stages := c.Stages()
		Expect(stages).To(HaveLen(2))
		Expect(stages[0].Kind).To(Equal(taskgraph.StageExecution))
		Expect(stages[0].Length).To(Equal(500.0))
		Expect(stages[1].Kind).To(Equal(taskgraph.StageFinish))

		Expect(scheduler.Dispatch(0, 1, 100)).To(Succeed())
		err = c.ReplaceStages([]taskgraph.TaskStage{taskgraph.ExecutionStage(10)})
		Expect(errors.Is(err, domain.ErrConflict)).To(BeTrue())
		Expect(c.Stages()).To(HaveLen(2))

		events.run()
		Expect(c.FinishTime()).To(Equal(5.0))
	})
})

var _ = Describe("AppCloudlet", func() {
	var (
		events    *fakeEvents
		scheduler *taskgraph.Scheduler
	)

	BeforeEach(func() {
		events = &fakeEvents{}
		var err error
		scheduler, err = taskgraph.NewScheduler(events, logger)
		Expect(err).ToNot(HaveOccurred())
		events.target = scheduler
	})

	finishAt := func(id int, at float64) *taskgraph.NetworkCloudlet {
		c := newCloudlet(id, at*1000)
		Expect(c.AddExecutionStage(at * 1000)).To(Succeed())
		Expect(scheduler.Submit(c)).To(Succeed())
		Expect(scheduler.Dispatch(0, id, 1000)).To(Succeed())
		return c
	}

	It("should report lateness past the deadline", func() {
		app := taskgraph.NewAppCloudlet(1, 1, "late", 2000)
		app.Add(finishAt(1, 100))
		app.Add(finishAt(2, 2500))
		events.run()

		lateness, ok := app.Lateness()
		Expect(ok).To(BeTrue())
		Expect(lateness).To(BeNumerically("~", 500, 1e-9))
		Expect(app.Complete()).To(BeTrue())
	})

	It("should report zero lateness when on time", func() {
		app := taskgraph.NewAppCloudlet(1, 1, "on-time", 2000)
		app.Add(finishAt(1, 1800))
		events.run()

		lateness, ok := app.Lateness()
		Expect(ok).To(BeTrue())
		Expect(lateness).To(BeZero())
	})

	It("should use the list-order last cloudlet", func() {
		app := taskgraph.NewAppCloudlet(1, 1, "ordered", 2000)
		app.Add(finishAt(1, 3000))
		app.Add(finishAt(2, 1000))
		events.run()

		lateness, ok := app.Lateness()
		Expect(ok).To(BeTrue())
		Expect(lateness).To(BeZero())
	})

	It("should mark a stalled application as incomplete", func() {
		c := newCloudlet(1, 100)
		Expect(c.AddRecvStage(42)).To(Succeed())
		Expect(scheduler.Submit(c)).To(Succeed())
		Expect(scheduler.Dispatch(0, 1, 100)).To(Succeed())

		app := taskgraph.NewAppCloudlet(1, 1, "stalled", 10)
		app.Add(c)
		events.run()

		lateness, ok := app.Lateness()
		Expect(ok).To(BeFalse())
		Expect(math.IsInf(lateness, 1)).To(BeTrue())
		Expect(app.Complete()).To(BeFalse())
	})

	It("should never be late without cloudlets", func() {
		lateness, ok := taskgraph.NewAppCloudlet(1, 1, "empty", 0).Lateness()
		Expect(ok).To(BeTrue())
		Expect(lateness).To(BeZero())
	})
})
