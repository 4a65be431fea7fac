package memory

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/limiquantix/vmsim/internal/autoscaling"
	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/taskgraph"
)

// CloudletRepository is the registry of cloudlets submitted during a run,
// in submission order.
type CloudletRepository struct {
	mu   sync.RWMutex
	data *orderedmap.OrderedMap[int, *taskgraph.NetworkCloudlet]
}

// Ensure CloudletRepository implements autoscaling.CloudletRegistry
var _ autoscaling.CloudletRegistry = (*CloudletRepository)(nil)

// NewCloudletRepository creates an empty cloudlet registry.
func NewCloudletRepository() *CloudletRepository {
	return &CloudletRepository{
		data: orderedmap.NewOrderedMap[int, *taskgraph.NetworkCloudlet](),
	}
}

// Add registers a cloudlet.
func (r *CloudletRepository) Add(c *taskgraph.NetworkCloudlet) error {
	if c == nil {
		return fmt.Errorf("%w: nil cloudlet", domain.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Get(c.ID); ok {
		return fmt.Errorf("cloudlet %d: %w", c.ID, domain.ErrAlreadyExists)
	}
	r.data.Set(c.ID, c)
	return nil
}

// Get retrieves a cloudlet by ID.
func (r *CloudletRepository) Get(id int) (*taskgraph.NetworkCloudlet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.data.Get(id)
	if !ok {
		return nil, fmt.Errorf("cloudlet %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// List returns every cloudlet in submission order.
func (r *CloudletRepository) List() []*taskgraph.NetworkCloudlet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*taskgraph.NetworkCloudlet, 0, r.data.Len())
	for el := r.data.Front(); el != nil; el = el.Next() {
		result = append(result, el.Value)
	}
	return result
}

// ListUnassigned returns the cloudlets not bound to a guest.
func (r *CloudletRepository) ListUnassigned() []*taskgraph.NetworkCloudlet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*taskgraph.NetworkCloudlet
	for el := r.data.Front(); el != nil; el = el.Next() {
		if !el.Value.Assigned() {
			result = append(result, el.Value)
		}
	}
	return result
}

// ListByGuest returns the cloudlets bound to a guest.
func (r *CloudletRepository) ListByGuest(guestID int) []*taskgraph.NetworkCloudlet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*taskgraph.NetworkCloudlet
	for el := r.data.Front(); el != nil; el = el.Next() {
		if el.Value.GuestID() == guestID {
			result = append(result, el.Value)
		}
	}
	return result
}

// Count returns the number of submitted cloudlets.
func (r *CloudletRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Len()
}

// CountUnassigned returns the number of cloudlets not bound to a guest.
func (r *CloudletRepository) CountUnassigned() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for el := r.data.Front(); el != nil; el = el.Next() {
		if !el.Value.Assigned() {
			count++
		}
	}
	return count
}
