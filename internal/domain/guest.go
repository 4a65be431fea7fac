package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// GuestKind distinguishes virtual machines from containers.
type GuestKind string

const (
	GuestKindVM        GuestKind = "VM"
	GuestKindContainer GuestKind = "CONTAINER"
)

// NoHost is the HostID of a guest that is not allocated anywhere.
const NoHost = -1

var hundred = decimal.NewFromInt(100)

// GuestSpec is the fixed capacity requirement of a guest.
type GuestSpec struct {
	PEs       int     `json:"pes" mapstructure:"pes"`
	MIPS      float64 `json:"mips" mapstructure:"mips"` // per PE
	RAM       int64   `json:"ram_mib" mapstructure:"ram"`
	Bandwidth int64   `json:"bandwidth_mbps" mapstructure:"bandwidth"`
	Storage   int64   `json:"storage_mib" mapstructure:"storage"`
	VMM       string  `json:"vmm" mapstructure:"vmm"`
	// Overhead is the cpu-share tax, in percent, charged when the guest is
	// nested inside another guest.
	Overhead float64 `json:"overhead" mapstructure:"overhead"`
}

// Validate checks that every resource value is positive.
func (s GuestSpec) Validate() error {
	if s.PEs <= 0 || s.MIPS <= 0 || s.RAM <= 0 || s.Bandwidth <= 0 || s.Storage <= 0 {
		return fmt.Errorf("%w: guest resources must be positive (pes=%d mips=%.2f ram=%d bw=%d storage=%d)",
			ErrInvalidConfiguration, s.PEs, s.MIPS, s.RAM, s.Bandwidth, s.Storage)
	}
	if s.VMM == "" {
		return fmt.Errorf("%w: guest VMM name is empty", ErrInvalidConfiguration)
	}
	if s.Overhead < 0 || s.Overhead >= 100 {
		return fmt.Errorf("%w: virtualization overhead %.2f out of range [0, 100)", ErrInvalidConfiguration, s.Overhead)
	}
	return nil
}

// Guest is a VM or container requiring a fixed capacity allocation.
type Guest struct {
	ID     int       `json:"id"`
	UserID int       `json:"user_id"`
	Kind   GuestKind `json:"kind"`
	Spec   GuestSpec `json:"spec"`

	// HostID is a lookup key into the host arena, not an ownership link.
	// The host's resident set is authoritative.
	HostID int `json:"host_id"`
}

// NewGuest validates spec and returns an unallocated guest.
func NewGuest(id, userID int, kind GuestKind, spec GuestSpec) (*Guest, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("guest %d: %w", id, err)
	}
	if kind == "" {
		kind = GuestKindVM
	}
	return &Guest{
		ID:     id,
		UserID: userID,
		Kind:   kind,
		Spec:   spec,
		HostID: NoHost,
	}, nil
}

// UID returns the user-scoped unique identifier of the guest.
func (g *Guest) UID() string {
	return fmt.Sprintf("%d-%d", g.UserID, g.ID)
}

// Allocated returns true if the guest currently has a host.
func (g *Guest) Allocated() bool {
	return g.HostID != NoHost
}

// TotalMIPS returns PEs × MIPS.
func (g *Guest) TotalMIPS() decimal.Decimal {
	return decimal.NewFromFloat(g.Spec.MIPS).Mul(decimal.NewFromInt(int64(g.Spec.PEs)))
}

// Requirement returns the raw capacity the guest asks for.
func (g *Guest) Requirement() Resources {
	return Resources{
		CPU:       g.TotalMIPS(),
		RAM:       decimal.NewFromInt(g.Spec.RAM),
		Bandwidth: decimal.NewFromInt(g.Spec.Bandwidth),
		Storage:   decimal.NewFromInt(g.Spec.Storage),
	}
}

// Demand returns the overhead-adjusted requirement. The overhead is only
// charged when the guest runs inside another guest.
func (g *Guest) Demand(nested bool) Resources {
	req := g.Requirement()
	if nested && g.Spec.Overhead > 0 {
		tax := decimal.NewFromFloat(g.Spec.Overhead).Div(hundred)
		req.CPU = req.CPU.Mul(decimal.NewFromInt(1).Add(tax))
	}
	return req
}

func (g *Guest) String() string {
	return fmt.Sprintf("%s #%d", g.Kind, g.ID)
}
