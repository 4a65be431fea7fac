package domain

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/shopspring/decimal"
)

// HostState represents the power/consolidation state of a host.
type HostState string

const (
	HostStateActive        HostState = "ACTIVE"
	HostStateUnderUtilized HostState = "UNDER_UTILIZED"
	HostStateOverUtilized  HostState = "OVER_UTILIZED"
	HostStatePoweredOff    HostState = "POWERED_OFF"
)

// PE is a processing element with a MIPS rating.
type PE struct {
	ID   int             `json:"id"`
	MIPS decimal.Decimal `json:"mips"`
}

// HostSpec describes the hardware of a physical host.
type HostSpec struct {
	PEs           int     `mapstructure:"pes"`
	MIPSPerPE     float64 `mapstructure:"mips_per_pe"`
	RAM           int64   `mapstructure:"ram"`
	Bandwidth     int64   `mapstructure:"bandwidth"`
	Storage       int64   `mapstructure:"storage"`
	HistoryLength int     `mapstructure:"history_length"`
}

// Validate checks that every resource value is positive.
func (s HostSpec) Validate() error {
	if s.PEs <= 0 || s.MIPSPerPE <= 0 || s.RAM <= 0 || s.Bandwidth <= 0 || s.Storage <= 0 {
		return fmt.Errorf("%w: host resources must be positive (pes=%d mips=%.2f ram=%d bw=%d storage=%d)",
			ErrInvalidConfiguration, s.PEs, s.MIPSPerPE, s.RAM, s.Bandwidth, s.Storage)
	}
	return nil
}

// Residency is one guest's reservation on a host.
type Residency struct {
	Guest    *Guest
	Reserved Resources
}

// Host is a machine providing capacity to resident guests. A host built by
// NewNestedHost is itself a guest exposing its capacity to containers.
type Host struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	PEs    []PE   `json:"pes"`
	Nested bool   `json:"nested"`

	mu        sync.Mutex
	total     Resources
	available Resources
	state     HostState
	residents *orderedmap.OrderedMap[int, Residency]
	history   *UtilizationHistory
}

// NewHost builds an active host with identical PEs.
func NewHost(id int, spec HostSpec) (*Host, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("host %d: %w", id, err)
	}

	pes := make([]PE, spec.PEs)
	for i := range pes {
		pes[i] = PE{ID: i, MIPS: decimal.NewFromFloat(spec.MIPSPerPE)}
	}

	total := NewResources(spec.MIPSPerPE*float64(spec.PEs), spec.RAM, spec.Bandwidth, spec.Storage)
	return newHost(id, fmt.Sprintf("host-%d", id), pes, total, false, spec.HistoryLength), nil
}

// NewNestedHost exposes the requirement of g as a host for containers.
func NewNestedHost(id int, g *Guest) (*Host, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nested host %d has no backing guest", ErrInvalidConfiguration, id)
	}
	pes := make([]PE, g.Spec.PEs)
	for i := range pes {
		pes[i] = PE{ID: i, MIPS: decimal.NewFromFloat(g.Spec.MIPS)}
	}
	return newHost(id, fmt.Sprintf("%s-host", g.UID()), pes, g.Requirement(), true, 0), nil
}

func newHost(id int, name string, pes []PE, total Resources, nested bool, historyLength int) *Host {
	return &Host{
		ID:        id,
		Name:      name,
		PEs:       pes,
		Nested:    nested,
		total:     total,
		available: total,
		state:     HostStateActive,
		residents: orderedmap.NewOrderedMap[int, Residency](),
		history:   NewUtilizationHistory(historyLength),
	}
}

// Total returns the host's full capacity.
func (h *Host) Total() Resources {
	return h.total
}

// Available returns the unreserved capacity.
func (h *Host) Available() Resources {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available
}

// Reserved returns the capacity held by resident guests.
func (h *Host) Reserved() Resources {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total.Sub(h.available)
}

// State returns the current host state.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState records a classification. Powering off goes through PowerOff.
func (h *Host) SetState(state HostState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

// Active returns true unless the host is powered off.
func (h *Host) Active() bool {
	return h.State() != HostStatePoweredOff
}

// PowerOff switches the host off. It fails if guests are still resident.
func (h *Host) PowerOff() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.residents.Len() > 0 {
		return fmt.Errorf("%w: host %d still has %d resident guests", ErrConflict, h.ID, h.residents.Len())
	}
	h.state = HostStatePoweredOff
	return nil
}

// PowerOn brings a powered-off host back to ACTIVE.
func (h *Host) PowerOn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HostStatePoweredOff {
		h.state = HostStateActive
	}
}

// TryReserve reserves amount if it fits in the available capacity.
func (h *Host) TryReserve(amount Resources) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tryReserveLocked(amount)
}

func (h *Host) tryReserveLocked(amount Resources) bool {
	if amount.IsNegative() || !amount.Fits(h.available) {
		return false
	}
	h.available = h.available.Sub(amount)
	return true
}

// Release returns amount to the available capacity, clamped at Total.
func (h *Host) Release(amount Resources) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked(amount)
}

func (h *Host) releaseLocked(amount Resources) {
	h.available = h.available.Add(amount).Min(h.total)
}

// Suitable returns true if the host could admit the given demand for g
// right now: it is powered on, has enough PEs of sufficient speed, and the
// demand fits the available capacity.
func (h *Host) Suitable(g *Guest, demand Resources) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suitableLocked(g, demand)
}

func (h *Host) suitableLocked(g *Guest, demand Resources) bool {
	if h.state == HostStatePoweredOff {
		return false
	}
	if !h.peFitLocked(g) {
		return false
	}
	return demand.Fits(h.available)
}

// PEFit reports whether the host's PEs can serve g's PEs regardless of
// current reservations.
func (h *Host) PEFit(g *Guest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peFitLocked(g)
}

func (h *Host) peFitLocked(g *Guest) bool {
	if g.Spec.PEs > len(h.PEs) {
		return false
	}
	perPE := decimal.NewFromFloat(g.Spec.MIPS)
	for _, pe := range h.PEs {
		if perPE.LessThanOrEqual(pe.MIPS) {
			return true
		}
	}
	return false
}

// Admit reserves demand for g and adds it to the resident set. It returns
// false without mutating anything if the host is unsuitable or g is already
// resident.
func (h *Host) Admit(g *Guest, demand Resources) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.residents.Get(g.ID); ok {
		return false
	}
	if !h.suitableLocked(g, demand) {
		return false
	}
	if !h.tryReserveLocked(demand) {
		return false
	}
	h.residents.Set(g.ID, Residency{Guest: g, Reserved: demand})
	return true
}

// Evict removes g from the resident set and releases its reservation.
func (h *Host) Evict(guestID int) (Residency, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, ok := h.residents.Get(guestID)
	if !ok {
		return Residency{}, false
	}
	h.residents.Delete(guestID)
	h.releaseLocked(res.Reserved)
	return res, true
}

// Hosts reports whether the guest is resident.
func (h *Host) Hosts(guestID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.residents.Get(guestID)
	return ok
}

// Residents returns the resident reservations in admission order.
func (h *Host) Residents() []Residency {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Residency, 0, h.residents.Len())
	for el := h.residents.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// ResidentCount returns the number of resident guests.
func (h *Host) ResidentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.residents.Len()
}

// CPUUtilization returns reserved CPU over total CPU in [0, 1].
func (h *Host) CPUUtilization() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return utilization(h.total.CPU.Sub(h.available.CPU), h.total.CPU)
}

// UtilizationWith returns the CPU utilization the host would have with
// extra reserved on top of what it holds now.
func (h *Host) UtilizationWith(extra decimal.Decimal) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return utilization(h.total.CPU.Sub(h.available.CPU).Add(extra), h.total.CPU)
}

func utilization(used, total decimal.Decimal) float64 {
	if !total.IsPositive() {
		return 0
	}
	return used.Div(total).InexactFloat64()
}

// RecordUtilization appends a sample to the host's history.
func (h *Host) RecordUtilization(sample float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history.Record(sample)
}

// LatestUtilization returns the most recent utilization sample.
func (h *Host) LatestUtilization() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Latest()
}

// UtilizationHistory returns a copy of the samples, newest first.
func (h *Host) UtilizationHistory() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Values()
}

func (h *Host) String() string {
	return fmt.Sprintf("host #%d", h.ID)
}
