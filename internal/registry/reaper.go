package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically terminates sandboxes that have been idle too long.
type Reaper struct {
	registry *Registry
	schedule cron.Schedule
	maxIdle  time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper that runs every interval (rounded to whole
// seconds, minimum one second).
func NewReaper(r *Registry, interval, maxIdle time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = r.logger
	}
	return &Reaper{
		registry: r,
		schedule: cron.Every(interval),
		maxIdle:  maxIdle,
		logger:   logger,
	}
}

// Start runs the reaper loop in the background. Returns a cancel function.
func (rp *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		rp.logger.InfoContext(ctx, "sandbox reaper started",
			slog.Duration("max_idle", rp.maxIdle),
		)

		for {
			now := time.Now()
			timer := time.NewTimer(rp.schedule.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				rp.logger.Info("sandbox reaper stopped")
				return
			case <-timer.C:
				rp.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one reap cycle.
func (rp *Reaper) tick(ctx context.Context) []string {
	return rp.registry.ReapIdle(ctx, rp.maxIdle)
}
