package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
)

// SimulatedConfig tunes the stand-in provider
type SimulatedConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

// Simulated sleeps for a random latency and fails with FailureRate
// probability. It stands in for a real provider in development.
type Simulated struct {
	config SimulatedConfig
	logger *slog.Logger
	roll   func() float64
}

// NewSimulated creates a new Simulated sink
func NewSimulated(config SimulatedConfig, logger *slog.Logger) *Simulated {
	return &Simulated{
		config: config,
		logger: logger,
		roll:   rand.Float64,
	}
}

func (s *Simulated) latency() time.Duration {
	spread := s.config.MaxLatency - s.config.MinLatency
	if spread <= 0 {
		return s.config.MinLatency
	}
	return s.config.MinLatency + time.Duration(s.roll()*float64(spread))
}

// Deliver implements Sink
func (s *Simulated) Deliver(ctx context.Context, jobID string, payload domain.Payload) error {
	delay := s.latency()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("simulated delivery interrupted: %w", ctx.Err())
	case <-timer.C:
	}

	if s.roll() < s.config.FailureRate {
		s.logger.Debug("Simulated delivery failed",
			slog.String("job_id", jobID),
			slog.Duration("latency", delay),
		)
		return fmt.Errorf("%w: simulated provider error", ErrDeliveryFailed)
	}

	s.logger.Debug("Simulated delivery succeeded",
		slog.String("job_id", jobID),
		slog.String("recipient", payload.Recipient),
		slog.Duration("latency", delay),
	)
	return nil
}
