package placement

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/domain"
)

// Selector picks hosts for guests. The three operations are separate so
// that evacuation-target choice (last candidate) and keep-awake choice
// (first candidate) can never be confused with one another.
type Selector interface {
	// SelectHostFor returns a host from candidates able to hold guest, or nil.
	SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host

	// PickEvacuationTarget returns the most recently classified
	// under-utilized host other than excluded, or nil.
	PickEvacuationTarget(excluded *domain.Host, underUtilized []*domain.Host) *domain.Host

	// PickHostToKeepActive returns the under-utilized host that must stay
	// powered on, or nil.
	PickHostToKeepActive(underUtilized []*domain.Host) *domain.Host

	// Name returns the strategy name.
	Name() string
}

// New creates the selector named by cfg.Strategy.
func New(cfg Config, logger *zap.Logger) (Selector, error) {
	logger = logger.With(zap.String("component", "placement"), zap.String("strategy", cfg.Strategy))

	switch cfg.Strategy {
	case StrategyFirstFit:
		return NewFirstFit(logger), nil
	case StrategyPowerAware:
		if cfg.UtilizationCeiling <= 0 || cfg.UtilizationCeiling > 1 {
			return nil, fmt.Errorf("%w: utilization ceiling %.2f must be in (0, 1]",
				domain.ErrInvalidConfiguration, cfg.UtilizationCeiling)
		}
		return NewPowerAware(cfg.UtilizationCeiling, logger), nil
	case StrategySpread:
		return NewSpread(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown placement strategy %q", domain.ErrInvalidConfiguration, cfg.Strategy)
	}
}

// consolidationChoices implements the two list-position choices shared by
// every strategy.
type consolidationChoices struct{}

func (consolidationChoices) PickEvacuationTarget(excluded *domain.Host, underUtilized []*domain.Host) *domain.Host {
	for i := len(underUtilized) - 1; i >= 0; i-- {
		if h := underUtilized[i]; h != nil && h != excluded {
			return h
		}
	}
	return nil
}

func (consolidationChoices) PickHostToKeepActive(underUtilized []*domain.Host) *domain.Host {
	if len(underUtilized) == 0 {
		return nil
	}
	return underUtilized[0]
}

// checkPredicates applies hard constraints to filter out unsuitable hosts.
func checkPredicates(logger *zap.Logger, host *domain.Host, guest *domain.Guest) bool {
	if host == nil {
		return false
	}
	if !host.Active() {
		logger.Debug("Host powered off", zap.Int("host_id", host.ID))
		return false
	}

	demand := guest.Demand(host.Nested)
	if !host.Suitable(guest, demand) {
		logger.Debug("Insufficient capacity",
			zap.Int("host_id", host.ID),
			zap.Int("guest_id", guest.ID),
			zap.Stringer("available", host.Available()),
			zap.Stringer("requested", demand),
		)
		return false
	}
	return true
}

// idleAfter returns the CPU a host would have left after admitting guest.
func idleAfter(host *domain.Host, guest *domain.Guest) decimal.Decimal {
	return host.Available().CPU.Sub(guest.Demand(host.Nested).CPU)
}

// FirstFit returns the first candidate with sufficient capacity.
type FirstFit struct {
	consolidationChoices
	logger *zap.Logger
}

// NewFirstFit creates a first-fit selector.
func NewFirstFit(logger *zap.Logger) *FirstFit {
	return &FirstFit{logger: logger}
}

// Name returns the strategy name.
func (s *FirstFit) Name() string { return StrategyFirstFit }

// SelectHostFor returns the first candidate, in list order, able to hold guest.
func (s *FirstFit) SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host {
	for _, host := range candidates {
		if checkPredicates(s.logger, host, guest) {
			return host
		}
	}
	return nil
}

// PowerAware packs guests onto the host left with the least idle CPU while
// staying under a utilization ceiling.
type PowerAware struct {
	consolidationChoices
	ceiling  float64
	fallback *FirstFit
	logger   *zap.Logger
}

// NewPowerAware creates a power-aware selector with the given ceiling (0-1).
func NewPowerAware(ceiling float64, logger *zap.Logger) *PowerAware {
	return &PowerAware{
		ceiling:  ceiling,
		fallback: NewFirstFit(logger),
		logger:   logger,
	}
}

// Name returns the strategy name.
func (s *PowerAware) Name() string { return StrategyPowerAware }

// Ceiling returns the configured utilization ceiling.
func (s *PowerAware) Ceiling() float64 { return s.ceiling }

// SelectHostFor returns the fitting host with the least post-allocation
// idle CPU among those staying under the ceiling, falling back to first fit.
func (s *PowerAware) SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host {
	var (
		best     *domain.Host
		bestIdle decimal.Decimal
	)

	for _, host := range candidates {
		if !checkPredicates(s.logger, host, guest) {
			continue
		}

		after := host.UtilizationWith(guest.Demand(host.Nested).CPU)
		if after > s.ceiling {
			s.logger.Debug("Host would exceed utilization ceiling",
				zap.Int("host_id", host.ID),
				zap.Float64("utilization_after", after),
				zap.Float64("ceiling", s.ceiling),
			)
			continue
		}

		idle := idleAfter(host, guest)
		if best == nil || idle.LessThan(bestIdle) || (idle.Equal(bestIdle) && host.ID < best.ID) {
			best = host
			bestIdle = idle
		}
	}

	if best != nil {
		return best
	}

	s.logger.Debug("No host under the utilization ceiling, falling back to first fit",
		zap.Int("guest_id", guest.ID),
	)
	return s.fallback.SelectHostFor(guest, candidates)
}

// Spread places guests on the host left with the most idle CPU.
type Spread struct {
	consolidationChoices
	logger *zap.Logger
}

// NewSpread creates a spread selector.
func NewSpread(logger *zap.Logger) *Spread {
	return &Spread{logger: logger}
}

// Name returns the strategy name.
func (s *Spread) Name() string { return StrategySpread }

// SelectHostFor returns the fitting host with the most post-allocation idle CPU.
func (s *Spread) SelectHostFor(guest *domain.Guest, candidates []*domain.Host) *domain.Host {
	var (
		best     *domain.Host
		bestIdle decimal.Decimal
	)
	for _, host := range candidates {
		if !checkPredicates(s.logger, host, guest) {
			continue
		}
		idle := idleAfter(host, guest)
		if best == nil || idle.GreaterThan(bestIdle) || (idle.Equal(bestIdle) && host.ID < best.ID) {
			best = host
			bestIdle = idle
		}
	}
	return best
}
