// Package memory provides the run-owned registries of a simulation. They
// live for one run and are never shared between runs.
package memory

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/limiquantix/vmsim/internal/autoscaling"
	"github.com/limiquantix/vmsim/internal/domain"
)

// GuestRepository is the registry of guests created during a run, in
// creation order. Guests are stored by pointer: the allocation table and
// the hosts mutate the same instances.
type GuestRepository struct {
	mu   sync.RWMutex
	data *orderedmap.OrderedMap[int, *domain.Guest]
}

// Ensure GuestRepository implements autoscaling.GuestRegistry
var _ autoscaling.GuestRegistry = (*GuestRepository)(nil)

// NewGuestRepository creates an empty guest registry.
func NewGuestRepository() *GuestRepository {
	return &GuestRepository{
		data: orderedmap.NewOrderedMap[int, *domain.Guest](),
	}
}

// Add registers a guest.
func (r *GuestRepository) Add(g *domain.Guest) error {
	if g == nil {
		return fmt.Errorf("%w: nil guest", domain.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Get(g.ID); ok {
		return fmt.Errorf("guest %d: %w", g.ID, domain.ErrAlreadyExists)
	}
	r.data.Set(g.ID, g)
	return nil
}

// Get retrieves a guest by ID.
func (r *GuestRepository) Get(id int) (*domain.Guest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.data.Get(id)
	if !ok {
		return nil, fmt.Errorf("guest %d: %w", id, domain.ErrNotFound)
	}
	return g, nil
}

// List returns every guest in creation order.
func (r *GuestRepository) List() []*domain.Guest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Guest, 0, r.data.Len())
	for el := r.data.Front(); el != nil; el = el.Next() {
		result = append(result, el.Value)
	}
	return result
}

// ListAllocated returns the guests that currently have a host.
func (r *GuestRepository) ListAllocated() []*domain.Guest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Guest
	for el := r.data.Front(); el != nil; el = el.Next() {
		if el.Value.Allocated() {
			result = append(result, el.Value)
		}
	}
	return result
}

// Count returns the number of registered guests.
func (r *GuestRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Len()
}

// Delete removes a guest by ID.
func (r *GuestRepository) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.data.Delete(id) {
		return fmt.Errorf("guest %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
