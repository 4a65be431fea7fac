package taskgraph

import (
	"math"
	"sync"
)

// AppCloudlet groups the network cloudlets of one application under a
// deadline.
type AppCloudlet struct {
	ID       int
	Name     string
	UserID   int
	Deadline float64

	mu        sync.RWMutex
	cloudlets []*NetworkCloudlet
}

// NewAppCloudlet creates an application with no cloudlets.
func NewAppCloudlet(id, userID int, name string, deadline float64) *AppCloudlet {
	return &AppCloudlet{ID: id, Name: name, UserID: userID, Deadline: deadline}
}

// Add appends a cloudlet. The last cloudlet added decides lateness.
func (a *AppCloudlet) Add(c *NetworkCloudlet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cloudlets = append(a.cloudlets, c)
}

// Cloudlets returns the cloudlets in the order they were added.
func (a *AppCloudlet) Cloudlets() []*NetworkCloudlet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*NetworkCloudlet, len(a.cloudlets))
	copy(out, a.cloudlets)
	return out
}

// Lateness returns how far past the deadline the last listed cloudlet
// finished. The second result is false, with +Inf lateness, while that
// cloudlet has not finished; a stalled graph therefore never reports a
// finite lateness. An application without cloudlets is never late.
func (a *AppCloudlet) Lateness() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.cloudlets) == 0 {
		return 0, true
	}
	last := a.cloudlets[len(a.cloudlets)-1]
	if !last.Finished() {
		return math.Inf(1), false
	}
	return math.Max(0, last.FinishTime()-a.Deadline), true
}

// Complete returns true when every cloudlet has finished.
func (a *AppCloudlet) Complete() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.cloudlets {
		if !c.Finished() {
			return false
		}
	}
	return true
}

// UpdateExecutionStages rebuilds c as a single EXECUTION of its length.
func (a *AppCloudlet) UpdateExecutionStages(c *NetworkCloudlet) error {
	return c.ReplaceStages([]TaskStage{ExecutionStage(c.Length)})
}
