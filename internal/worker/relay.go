package worker

import (
	"context"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
)

// RewardOutbox lists rewards still waiting to be applied.
type RewardOutbox interface {
	ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error)
}

// RewardApplier credits one pending reward. The sale orchestrator implements it.
type RewardApplier interface {
	ApplyReward(ctx context.Context, rewardID string) (bool, error)
}

// RewardRelay re-drives pending seller rewards that were not applied right after their sale.
type RewardRelay struct {
	Outbox    RewardOutbox
	Applier   RewardApplier
	BatchSize int
	Logger    *slog.Logger
}

// RunOnce applies one batch. A failing reward does not stop the batch; the applier
// counts the attempt and dead-letters the reward once its attempts run out.
func (r RewardRelay) RunOnce(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	pending, err := r.Outbox.ListPendingRewards(ctx, limit)
	if err != nil {
		logger.Error("reward outbox list pending failed",
			"event", "reward_outbox_list_failed",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}

	applied, failed := 0, 0
	for _, reward := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := r.Applier.ApplyReward(ctx, reward.ID)
		if err != nil {
			failed++
			logger.Warn("reward apply failed",
				"event", "reward_relay_apply_failed",
				"layer", "worker",
				"reward_id", reward.ID,
				"transaction_id", reward.TransactionID,
				"attempts", reward.Attempts+1,
				"error", err.Error(),
			)
			continue
		}
		if ok {
			applied++
		}
	}

	if len(pending) > 0 {
		logger.Info("reward relay cycle completed",
			"event", "reward_relay_completed",
			"layer", "worker",
			"applied_count", applied,
			"failed_count", failed,
		)
	}
	return nil
}
