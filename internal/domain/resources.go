package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Resources is an amount of host capacity. CPU is aggregate MIPS, RAM and
// Storage are MiB, Bandwidth is Mbps.
type Resources struct {
	CPU       decimal.Decimal `json:"cpu_mips"`
	RAM       decimal.Decimal `json:"ram_mib"`
	Bandwidth decimal.Decimal `json:"bandwidth_mbps"`
	Storage   decimal.Decimal `json:"storage_mib"`
}

// NewResources builds a Resources value from plain numbers.
func NewResources(cpuMIPS float64, ramMiB, bandwidthMbps, storageMiB int64) Resources {
	return Resources{
		CPU:       decimal.NewFromFloat(cpuMIPS),
		RAM:       decimal.NewFromInt(ramMiB),
		Bandwidth: decimal.NewFromInt(bandwidthMbps),
		Storage:   decimal.NewFromInt(storageMiB),
	}
}

// ZeroResources returns an empty amount.
func ZeroResources() Resources {
	return Resources{
		CPU:       decimal.Zero,
		RAM:       decimal.Zero,
		Bandwidth: decimal.Zero,
		Storage:   decimal.Zero,
	}
}

// Add returns r + other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:       r.CPU.Add(other.CPU),
		RAM:       r.RAM.Add(other.RAM),
		Bandwidth: r.Bandwidth.Add(other.Bandwidth),
		Storage:   r.Storage.Add(other.Storage),
	}
}

// Sub returns r - other.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPU:       r.CPU.Sub(other.CPU),
		RAM:       r.RAM.Sub(other.RAM),
		Bandwidth: r.Bandwidth.Sub(other.Bandwidth),
		Storage:   r.Storage.Sub(other.Storage),
	}
}

// Fits returns true if every dimension of r is less than or equal to the
// corresponding dimension of capacity.
func (r Resources) Fits(capacity Resources) bool {
	return r.CPU.LessThanOrEqual(capacity.CPU) &&
		r.RAM.LessThanOrEqual(capacity.RAM) &&
		r.Bandwidth.LessThanOrEqual(capacity.Bandwidth) &&
		r.Storage.LessThanOrEqual(capacity.Storage)
}

// IsPositive returns true if every dimension is strictly positive.
func (r Resources) IsPositive() bool {
	return r.CPU.IsPositive() && r.RAM.IsPositive() && r.Bandwidth.IsPositive() && r.Storage.IsPositive()
}

// IsNegative returns true if any dimension is negative.
func (r Resources) IsNegative() bool {
	return r.CPU.IsNegative() || r.RAM.IsNegative() || r.Bandwidth.IsNegative() || r.Storage.IsNegative()
}

// Min returns the per-dimension minimum of r and other.
func (r Resources) Min(other Resources) Resources {
	return Resources{
		CPU:       decimal.Min(r.CPU, other.CPU),
		RAM:       decimal.Min(r.RAM, other.RAM),
		Bandwidth: decimal.Min(r.Bandwidth, other.Bandwidth),
		Storage:   decimal.Min(r.Storage, other.Storage),
	}
}

func (r Resources) String() string {
	return fmt.Sprintf("%s MIPS, %s MiB RAM, %s Mbps, %s MiB storage",
		r.CPU.StringFixed(2), r.RAM.StringFixed(0), r.Bandwidth.StringFixed(0), r.Storage.StringFixed(0))
}
