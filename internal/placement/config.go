// Package placement implements the host selection strategies used when
// admitting new guests and when choosing consolidation targets.
package placement

// Strategy names accepted by New.
const (
	StrategyFirstFit   = "first_fit"
	StrategyPowerAware = "power_aware"
	StrategySpread     = "spread"
)

// Config holds the host selector configuration.
type Config struct {
	// Strategy determines how guests are packed onto hosts.
	// - "first_fit": First host (in candidate order) with enough capacity
	// - "power_aware": Pack tightly under the ceiling to free other hosts for power-down
	// - "spread": Distribute guests onto the emptiest hosts
	Strategy string `mapstructure:"strategy"`

	// UtilizationCeiling is the highest post-allocation CPU utilization
	// (0-1) the power-aware strategy will pack a host to.
	UtilizationCeiling float64 `mapstructure:"utilization_ceiling"`
}

// DefaultConfig returns the default selector configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyPowerAware,
		UtilizationCeiling: 0.8,
	}
}
