// Package expiry periodically moves submissions past their TTL to expired.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/amitpaz1/formbridge/services/intake/internal/schedule"
)

type Sweeper interface {
	ExpireStaleSubmissions(ctx context.Context) (int, error)
}

type Scheduler struct {
	sweeper Sweeper
	logger  *slog.Logger
	loop    *schedule.Loop
}

func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{sweeper: sweeper, logger: logger}
	s.loop = schedule.NewLoop(interval, s.sweep)
	return s
}

func (s *Scheduler) Start(ctx context.Context) { s.loop.Start(ctx) }
func (s *Scheduler) Stop()                     { s.loop.Stop() }

// RunOnce performs one sweep now. It returns false without sweeping when a
// sweep is already running.
func (s *Scheduler) RunOnce(ctx context.Context) bool { return s.loop.RunOnce(ctx) }

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.sweeper.ExpireStaleSubmissions(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "expiry sweep failed",
			slog.String("module", "expiry"),
			slog.Int("expired", n),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired submissions",
			slog.String("module", "expiry"),
			slog.Int("expired", n),
		)
	}
}
