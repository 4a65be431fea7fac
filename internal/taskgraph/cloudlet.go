package taskgraph

import (
	"fmt"
	"sync"

	"github.com/limiquantix/vmsim/internal/domain"
)

// CloudletState is the execution state of a network cloudlet.
type CloudletState string

const (
	CloudletStateCreated   CloudletState = "CREATED"
	CloudletStateRunning   CloudletState = "RUNNING"
	CloudletStateBlocked   CloudletState = "BLOCKED"
	CloudletStateFinished  CloudletState = "FINISHED"
	CloudletStateCancelled CloudletState = "CANCELLED"
)

// NotStarted is the cursor of a cloudlet that was never dispatched.
const NotStarted = -1

// NetworkCloudlet is a unit of work executed as an ordered list of stages.
// The stage list is sealed when the cloudlet is submitted; a FINISH stage is
// appended at that point.
type NetworkCloudlet struct {
	ID         int
	UserID     int
	Length     float64
	PEs        int
	FileSize   int64
	OutputSize int64

	mu         sync.Mutex
	guestID    int
	stages     []TaskStage
	sealed     bool
	cursor     int
	state      CloudletState
	startTime  float64
	finishTime float64
	stageStart float64
	inbox      map[int][]float64
}

// NewNetworkCloudlet creates an unassigned cloudlet with an empty stage list.
func NewNetworkCloudlet(id, userID int, length float64, pes int, fileSize, outputSize int64) (*NetworkCloudlet, error) {
	if length <= 0 || pes <= 0 || fileSize < 0 || outputSize < 0 {
		return nil, fmt.Errorf("%w: cloudlet %d needs positive length and pes (length=%.0f pes=%d)",
			domain.ErrInvalidConfiguration, id, length, pes)
	}
	return &NetworkCloudlet{
		ID:         id,
		UserID:     userID,
		Length:     length,
		PEs:        pes,
		FileSize:   fileSize,
		OutputSize: outputSize,
		guestID:    domain.NoHost,
		cursor:     NotStarted,
		state:      CloudletStateCreated,
		inbox:      make(map[int][]float64),
	}, nil
}

// AddExecutionStage appends an EXECUTION stage of length instructions.
func (c *NetworkCloudlet) AddExecutionStage(length float64) error {
	if length <= 0 {
		return fmt.Errorf("%w: execution stage length %.0f", domain.ErrInvalidConfiguration, length)
	}
	return c.addStage(ExecutionStage(length))
}

// AddSendStage appends a WAIT_SEND stage delivering bytes to target.
func (c *NetworkCloudlet) AddSendStage(bytes float64, target int) error {
	if bytes < 0 {
		return fmt.Errorf("%w: send stage size %.0f", domain.ErrInvalidConfiguration, bytes)
	}
	return c.addStage(SendStage(bytes, target))
}

// AddRecvStage appends a WAIT_RECV stage waiting on source.
func (c *NetworkCloudlet) AddRecvStage(source int) error {
	return c.addStage(RecvStage(source))
}

func (c *NetworkCloudlet) addStage(stage TaskStage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("cloudlet %d: stage list is sealed: %w", c.ID, domain.ErrConflict)
	}
	stage.ID = len(c.stages)
	c.stages = append(c.stages, stage)
	return nil
}

// ReplaceStages swaps in a new stage list. It is only allowed before the
// cloudlet is dispatched. FINISH stages in stages are ignored; a sealed
// cloudlet gets a fresh one.
func (c *NetworkCloudlet) ReplaceStages(stages []TaskStage) error {
	rebuilt := make([]TaskStage, 0, len(stages)+1)
	for _, s := range stages {
		if s.Kind == StageFinish {
			continue
		}
		if s.Kind == StageExecution && s.Length <= 0 {
			return fmt.Errorf("%w: execution stage length %.0f", domain.ErrInvalidConfiguration, s.Length)
		}
		s.ID = len(rebuilt)
		s.ProcessingTime = 0
		s.Completed = false
		rebuilt = append(rebuilt, s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CloudletStateCreated {
		return fmt.Errorf("cloudlet %d is %s: %w", c.ID, c.state, domain.ErrConflict)
	}
	if c.sealed {
		f := finishStage()
		f.ID = len(rebuilt)
		rebuilt = append(rebuilt, f)
	}
	c.stages = rebuilt
	return nil
}

// seal closes the stage list and appends FINISH.
func (c *NetworkCloudlet) seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	f := finishStage()
	f.ID = len(c.stages)
	c.stages = append(c.stages, f)
	c.sealed = true
}

// Stages returns a copy of the stage list.
func (c *NetworkCloudlet) Stages() []TaskStage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskStage, len(c.stages))
	copy(out, c.stages)
	return out
}

// AssignGuest binds the cloudlet to a guest.
func (c *NetworkCloudlet) AssignGuest(guestID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guestID = guestID
}

// GuestID returns the bound guest, or domain.NoHost.
func (c *NetworkCloudlet) GuestID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guestID
}

// Assigned returns true if the cloudlet is bound to a guest.
func (c *NetworkCloudlet) Assigned() bool {
	return c.GuestID() != domain.NoHost
}

// State returns the execution state.
func (c *NetworkCloudlet) State() CloudletState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the index of the current stage. It is NotStarted before
// dispatch and len(Stages()) once finished.
func (c *NetworkCloudlet) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// StartTime returns the dispatch time.
func (c *NetworkCloudlet) StartTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// FinishTime returns the time the FINISH stage ran. It is only meaningful
// once Finished returns true.
func (c *NetworkCloudlet) FinishTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishTime
}

// Finished returns true once the FINISH stage has run.
func (c *NetworkCloudlet) Finished() bool {
	return c.State() == CloudletStateFinished
}

// ActualCPUTime returns the time between dispatch and finish.
func (c *NetworkCloudlet) ActualCPUTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CloudletStateFinished {
		return 0
	}
	return c.finishTime - c.startTime
}

// deliver stores a payload from source in the inbox.
func (c *NetworkCloudlet) deliver(source int, bytes float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox[source] = append(c.inbox[source], bytes)
}

// blockedOn reports whether the cloudlet is blocked receiving from source.
func (c *NetworkCloudlet) blockedOn(source int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CloudletStateBlocked && c.stages[c.cursor].Peer == source
}

func (c *NetworkCloudlet) String() string {
	return fmt.Sprintf("cloudlet #%d", c.ID)
}
