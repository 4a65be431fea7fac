// Package report delivers simulation events and the run summary to sinks:
// the structured log and, optionally, Redis pub/sub.
package report

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Event types published during a run.
const (
	EventRunStarted        = "run.started"
	EventScaling           = "autoscaling.scaled"
	EventConsolidation     = "consolidation.evaluated"
	EventCloudletFinished  = "cloudlet.finished"
	EventCloudletStalled   = "cloudlet.stalled"
	EventInvariantViolated = "run.invariant_violated"
	EventRunFinished       = "run.finished"
)

// Event is one simulation occurrence.
type Event struct {
	Type       string      `json:"type"`
	RunID      string      `json:"run_id"`
	Clock      float64     `json:"clock"`
	ResourceID int         `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Sink receives simulation events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at debug level, except for stalls and
// invariant violations which are warnings.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "report"))}
}

// Publish logs the event.
func (s *LogSink) Publish(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("type", event.Type),
		zap.String("run_id", event.RunID),
		zap.Float64("clock", event.Clock),
		zap.Int("resource_id", event.ResourceID),
	}
	if event.Data != nil {
		fields = append(fields, zap.Any("data", event.Data))
	}

	switch event.Type {
	case EventCloudletStalled, EventInvariantViolated:
		s.logger.Warn("Simulation event", fields...)
	default:
		s.logger.Debug("Simulation event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// Fanout publishes every event to all of its sinks.
type Fanout []Sink

// Publish delivers the event to every sink and joins their errors.
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
