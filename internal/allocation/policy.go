// Package allocation implements guest-to-host bookkeeping: the capacity
// model held by each host and the guest→host allocation table.
package allocation

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/domain"
)

// HostSelector picks a host for a guest among candidates.
type HostSelector interface {
	SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host
	Name() string
}

// Clock returns the current simulated time.
type Clock interface {
	Now() float64
}

// Policy owns the allocation table. Every other component reads it through
// HostOf, Hosts and Guests.
//
// Mutations are serialized by mu, so an allocate/deallocate pair is never
// observed half applied. Host accounting is additionally guarded by each
// host's own lock.
type Policy struct {
	mu       sync.Mutex
	hosts    []*domain.Host
	byID     map[int]*domain.Host
	table    *orderedmap.OrderedMap[int, placement]
	selector HostSelector
	clock    Clock
	logger   *zap.Logger
}

type placement struct {
	guest  *domain.Guest
	hostID int
}

// New creates an allocation policy over hosts.
func New(hosts []*domain.Host, selector HostSelector, clock Clock, logger *zap.Logger) (*Policy, error) {
	if selector == nil {
		return nil, fmt.Errorf("%w: allocation policy requires a host selector", domain.ErrInvalidConfiguration)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: allocation policy requires a clock", domain.ErrInvalidConfiguration)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: allocation policy requires at least one host", domain.ErrInvalidConfiguration)
	}

	p := &Policy{
		byID:     make(map[int]*domain.Host, len(hosts)),
		table:    orderedmap.NewOrderedMap[int, placement](),
		selector: selector,
		clock:    clock,
		logger:   logger.With(zap.String("component", "allocation")),
	}
	for _, h := range hosts {
		if err := p.AddHost(h); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddHost registers a host in the arena.
func (p *Policy) AddHost(h *domain.Host) error {
	if h == nil {
		return fmt.Errorf("%w: nil host", domain.ErrInvalidConfiguration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[h.ID]; exists {
		return fmt.Errorf("host %d: %w", h.ID, domain.ErrAlreadyExists)
	}
	p.hosts = append(p.hosts, h)
	p.byID[h.ID] = h
	return nil
}

// Allocate places guest on host. It returns false and changes nothing if
// host is nil or cannot fit the guest's overhead-adjusted demand.
func (p *Policy) Allocate(guest *domain.Guest, host *domain.Host) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateLocked(guest, host)
}

func (p *Policy) allocateLocked(guest *domain.Guest, host *domain.Host) bool {
	logger := p.logger.With(
		zap.Float64("clock", p.clock.Now()),
		zap.Int("guest_id", guest.ID),
		zap.String("guest_kind", string(guest.Kind)),
	)

	if host == nil {
		logger.Info("No suitable host found for guest")
		return false
	}
	if _, ok := p.table.Get(guest.ID); ok {
		logger.Warn("Guest is already allocated", zap.Int("host_id", guest.HostID))
		return false
	}
	if _, ok := p.byID[host.ID]; !ok {
		logger.Warn("Host is not registered with the allocation policy", zap.Int("host_id", host.ID))
		return false
	}

	demand := guest.Demand(host.Nested)
	if !host.Admit(guest, demand) {
		logger.Info("Creation of guest on host failed",
			zap.Int("host_id", host.ID),
			zap.String("host_state", string(host.State())),
			zap.Stringer("demand", demand),
			zap.Stringer("available", host.Available()),
		)
		return false
	}

	p.table.Set(guest.ID, placement{guest: guest, hostID: host.ID})
	guest.HostID = host.ID

	logger.Debug("Guest allocated to host", zap.Int("host_id", host.ID))
	return true
}

// Deallocate releases the guest's reservation. Calling it for a guest that
// is not allocated is a no-op.
func (p *Policy) Deallocate(guest *domain.Guest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deallocateLocked(guest)
}

func (p *Policy) deallocateLocked(guest *domain.Guest) {
	pl, ok := p.table.Get(guest.ID)
	if !ok {
		return
	}
	p.table.Delete(guest.ID)
	if host, ok := p.byID[pl.hostID]; ok {
		host.Evict(guest.ID)
	}
	guest.HostID = domain.NoHost

	p.logger.Debug("Guest deallocated",
		zap.Float64("clock", p.clock.Now()),
		zap.Int("guest_id", guest.ID),
		zap.Int("host_id", pl.hostID),
	)
}

// HostOf returns the host a guest is allocated to.
func (p *Policy) HostOf(guestID int) (*domain.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.table.Get(guestID)
	if !ok {
		return nil, false
	}
	h, ok := p.byID[pl.hostID]
	return h, ok
}

// AllocateHostForGuest finds a host for guest with the selector and
// allocates it. Active hosts are tried first; if none fits, the first
// powered-off host that could hold the guest is powered on.
func (p *Policy) AllocateHostForGuest(guest *domain.Guest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	host := p.findHostLocked(guest)
	return p.allocateLocked(guest, host)
}

// FindHostFor returns the active host the selector would choose for guest,
// without allocating.
func (p *Policy) FindHostFor(guest *domain.Guest) *domain.Host {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	return p.selector.SelectHostFor(guest, active)
}

func (p *Policy) findHostLocked(guest *domain.Guest) *domain.Host {
	if host := p.selector.SelectHostFor(guest, p.activeLocked()); host != nil {
		return host
	}

	for _, h := range p.hosts {
		if h.Active() || !h.PEFit(guest) {
			continue
		}
		if guest.Demand(h.Nested).Fits(h.Available()) {
			h.PowerOn()
			p.logger.Info("Powered on host for guest",
				zap.Float64("clock", p.clock.Now()),
				zap.Int("host_id", h.ID),
				zap.Int("guest_id", guest.ID),
			)
			return h
		}
	}
	return nil
}

func (p *Policy) activeLocked() []*domain.Host {
	active := make([]*domain.Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		if h.Active() {
			active = append(active, h)
		}
	}
	return active
}

// Host returns the host with the given ID.
func (p *Policy) Host(id int) (*domain.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byID[id]
	return h, ok
}

// Hosts returns every registered host in registration order.
func (p *Policy) Hosts() []*domain.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.Host, len(p.hosts))
	copy(out, p.hosts)
	return out
}

// ActiveHosts returns the hosts that are powered on, in registration order.
func (p *Policy) ActiveHosts() []*domain.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

// Guests returns every allocated guest in allocation order.
func (p *Policy) Guests() []*domain.Guest {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*domain.Guest, 0, p.table.Len())
	for el := p.table.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.guest)
	}
	return out
}

// Len returns the number of allocated guests.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table.Len()
}

// SelectorName returns the name of the configured host selector.
func (p *Policy) SelectorName() string {
	return p.selector.Name()
}

// CheckInvariants verifies that the table and the hosts' resident sets agree
// and that no host is over-committed.
func (p *Policy) CheckInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[int]int)
	for _, h := range p.hosts {
		reserved := domain.ZeroResources()
		for _, res := range h.Residents() {
			if other, dup := seen[res.Guest.ID]; dup {
				return fmt.Errorf("%w: guest %d resident on hosts %d and %d", domain.ErrConflict, res.Guest.ID, other, h.ID)
			}
			seen[res.Guest.ID] = h.ID

			pl, ok := p.table.Get(res.Guest.ID)
			if !ok || pl.hostID != h.ID {
				return fmt.Errorf("%w: guest %d resident on host %d but not mapped to it", domain.ErrConflict, res.Guest.ID, h.ID)
			}
			reserved = reserved.Add(res.Reserved)
		}
		if !reserved.Fits(h.Total()) {
			return fmt.Errorf("%w: host %d over-committed (%s > %s)", domain.ErrConflict, h.ID, reserved, h.Total())
		}
	}

	for el := p.table.Front(); el != nil; el = el.Next() {
		if hostID, ok := seen[el.Key]; !ok || hostID != el.Value.hostID {
			return fmt.Errorf("%w: guest %d mapped to host %d but not resident", domain.ErrConflict, el.Key, el.Value.hostID)
		}
	}
	return nil
}
