// Package autoscaling implements the reactive scale-up loop that grows the
// guest pool when the cloudlet backlog outpaces it.
package autoscaling

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/vmsim/internal/config"
	"github.com/limiquantix/vmsim/internal/domain"
)

// ratioSlack is the fraction of the target ratio above which the pool is
// considered loaded even when every cloudlet has a guest.
const ratioSlack = 0.7

// GuestRegistry holds the guests owned by the run.
type GuestRegistry interface {
	Count() int
	Add(guest *domain.Guest) error
}

// CloudletRegistry reports the submitted workload.
type CloudletRegistry interface {
	Count() int
	CountUnassigned() int
}

// Allocator places new guests on hosts.
type Allocator interface {
	AllocateHostForGuest(guest *domain.Guest) bool
}

// GuestFactory builds a guest with the given id.
type GuestFactory func(id int) (*domain.Guest, error)

// TemplateFactory returns a factory stamping out VMs from spec.
func TemplateFactory(userID int, spec domain.GuestSpec) GuestFactory {
	return func(id int) (*domain.Guest, error) {
		return domain.NewGuest(id, userID, domain.GuestKindVM, spec)
	}
}

// Observation is the state the scaler decides on. Counts are always read
// fresh from the registries.
type Observation struct {
	Guests     int `json:"guests"`
	Cloudlets  int `json:"cloudlets"`
	Unassigned int `json:"unassigned"`
}

// Ratio returns cloudlets per guest, treating an empty pool as one guest.
func (o Observation) Ratio() float64 {
	return float64(o.Cloudlets) / float64(max(1, o.Guests))
}

// Decision is the outcome of one scaling check.
type Decision struct {
	Observation
	Clock     float64 `json:"clock"`
	Triggered bool    `json:"triggered"`
	Create    int     `json:"create"`
}

// Decide computes how many guests to add. It has no side effects.
func Decide(cfg config.AutoScalingConfig, obs Observation) Decision {
	d := Decision{Observation: obs}
	if obs.Guests >= cfg.Max || cfg.TargetRatio <= 0 {
		return d
	}

	loaded := obs.Ratio() > float64(cfg.TargetRatio)*ratioSlack
	if obs.Unassigned <= 0 && !loaded {
		return d
	}
	d.Triggered = true

	want := int(math.Ceil(float64(obs.Unassigned) / float64(cfg.TargetRatio)))
	d.Create = max(0, min(want, cfg.Max-obs.Guests))
	return d
}

// Stats summarizes the scaler's activity over a run.
type Stats struct {
	Checks    int `json:"checks"`
	Triggered int `json:"triggered"`
	Created   int `json:"created"`
	Unplaced  int `json:"unplaced"`
}

// Scaler runs the scale-up check. The only state it keeps between checks is
// the id counter.
type Scaler struct {
	cfg       config.AutoScalingConfig
	guests    GuestRegistry
	cloudlets CloudletRegistry
	alloc     Allocator
	factory   GuestFactory
	logger    *zap.Logger

	mu     sync.Mutex
	nextID int
	stats  Stats
}

// New creates a scaler. Guest ids issued by the scaler start at cfg.Initial.
func New(
	cfg config.AutoScalingConfig,
	guests GuestRegistry,
	cloudlets CloudletRegistry,
	alloc Allocator,
	factory GuestFactory,
	logger *zap.Logger,
) (*Scaler, error) {
	if guests == nil || cloudlets == nil || alloc == nil || factory == nil {
		return nil, fmt.Errorf("%w: auto-scaler requires guest and cloudlet registries, an allocator and a guest factory",
			domain.ErrInvalidConfiguration)
	}
	if cfg.Max <= 0 || cfg.Initial < 0 || cfg.Initial > cfg.Max || cfg.TargetRatio <= 0 {
		return nil, fmt.Errorf("%w: auto-scaler bounds initial=%d max=%d ratio=%d",
			domain.ErrInvalidConfiguration, cfg.Initial, cfg.Max, cfg.TargetRatio)
	}

	return &Scaler{
		cfg:       cfg,
		guests:    guests,
		cloudlets: cloudlets,
		alloc:     alloc,
		factory:   factory,
		logger:    logger.With(zap.String("component", "autoscaling")),
		nextID:    cfg.Initial,
	}, nil
}

// Check observes the registries, decides and creates guests. A new guest
// that cannot be placed stays registered and is logged; it does not fail
// the check.
func (s *Scaler) Check(clock float64) (Decision, []*domain.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return Decision{Clock: clock}, nil, nil
	}

	obs := Observation{
		Guests:     s.guests.Count(),
		Cloudlets:  s.cloudlets.Count(),
		Unassigned: s.cloudlets.CountUnassigned(),
	}
	d := Decide(s.cfg, obs)
	d.Clock = clock

	s.stats.Checks++
	s.logger.Debug("Checking scaling",
		zap.Float64("clock", clock),
		zap.Int("guests", obs.Guests),
		zap.Int("cloudlets", obs.Cloudlets),
		zap.Int("unassigned", obs.Unassigned),
		zap.Float64("ratio", obs.Ratio()),
	)

	if d.Triggered {
		s.stats.Triggered++
	}
	if d.Create == 0 {
		return d, nil, nil
	}

	s.logger.Info("Scaling up",
		zap.Float64("clock", clock),
		zap.Int("create", d.Create),
		zap.Int("guests", obs.Guests),
		zap.Int("max", s.cfg.Max),
	)

	created := make([]*domain.Guest, 0, d.Create)
	for i := 0; i < d.Create; i++ {
		id := s.nextID
		s.nextID++

		guest, err := s.factory(id)
		if err != nil {
			return d, created, fmt.Errorf("failed to create guest %d: %w", id, err)
		}
		if err := s.guests.Add(guest); err != nil {
			return d, created, fmt.Errorf("failed to register guest %d: %w", id, err)
		}
		created = append(created, guest)
		s.stats.Created++

		if !s.alloc.AllocateHostForGuest(guest) {
			s.stats.Unplaced++
			s.logger.Warn("New guest could not be placed",
				zap.Float64("clock", clock),
				zap.Int("guest_id", guest.ID),
				zap.Error(domain.ErrCapacityExhausted),
			)
		}
	}
	return d, created, nil
}

// NextID returns the id the next created guest will get.
func (s *Scaler) NextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Stats returns the scaler's activity counters.
func (s *Scaler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
