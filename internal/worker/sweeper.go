package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
)

// LockStore is the storage the sweeper needs.
type LockStore interface {
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error)
}

// LockSweeper deletes sale locks whose lock_until has passed.
type LockSweeper struct {
	Locks   LockStore
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (s LockSweeper) RunOnce(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := clock.Resolve(s.Clock).Now()

	started := time.Now()
	reaped, err := s.Locks.DeleteExpiredLocks(ctx, now)
	if s.Metrics != nil {
		status := metrics.Status(err)
		s.Metrics.StorageOperationTotal.WithLabelValues("delete_expired_locks", status).Inc()
		s.Metrics.StorageOperationDuration.WithLabelValues("delete_expired_locks", status).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		logger.Error("sale lock sweep failed",
			"event", "sale_lock_sweep_failed",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if reaped > 0 {
		if s.Metrics != nil {
			s.Metrics.LocksReapedTotal.Add(float64(reaped))
		}
		logger.Info("sale lock sweep completed",
			"event", "sale_lock_sweep_completed",
			"layer", "worker",
			"reaped_count", reaped,
		)
	}
	return nil
}
