// Package worker runs the background loops of the marketplace: the expired sale lock
// sweep and the seller reward relay.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Config holds the background worker settings.
type Config struct {
	SweepInterval time.Duration // Period of the expired lock sweep
	RelayInterval time.Duration // Period of the reward relay
	BatchSize     int           // Pending rewards handled per relay cycle
}

// Job is one pass of a background loop.
type Job interface {
	RunOnce(ctx context.Context) error
}

// Run calls job.RunOnce every interval until ctx is cancelled. A failed pass is
// logged by the job and retried on the next tick.
func Run(ctx context.Context, name string, interval time.Duration, job Job, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	logger.Info("worker started",
		"event", "worker_started",
		"layer", "worker",
		"worker", name,
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped",
				"event", "worker_stopped",
				"layer", "worker",
				"worker", name,
			)
			return nil
		case <-ticker.C:
			_ = job.RunOnce(ctx)
		}
	}
}
