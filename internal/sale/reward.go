package sale

import (
	"context"
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

// ApplyReward credits a pending seller reward to the ledger and marks it applied in the
// same unit of work. It reports false when the reward was already applied or dead-lettered.
// A failed attempt is counted; once the attempts are exhausted the reward is dead-lettered.
func (o *Orchestrator) ApplyReward(ctx context.Context, rewardID string) (bool, error) {
	var (
		applied model.PendingReward
		entry   model.TokenHistory
		skipped bool
		missing bool
	)
	err := storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		reward, err := tx.LockPendingReward(ctx, rewardID)
		if err != nil {
			missing = errors.Is(err, storage.ErrNotFound)
			return fmt.Errorf("lock reward %s: %w", rewardID, err)
		}
		if reward.Status != model.RewardPending {
			skipped = true
			return nil
		}

		entry, err = o.ledger.Reward(ctx, tx, reward.UserID, reward.VideoID, reward.Amount)
		if err != nil {
			return err
		}

		reward.Status = model.RewardApplied
		reward.Attempts++
		reward.LastError = ""
		reward.UpdatedAt = o.clock.Now()
		if err := tx.UpdatePendingReward(ctx, *reward); err != nil {
			return fmt.Errorf("mark reward applied: %w", err)
		}
		applied = *reward
		return nil
	})
	if err != nil {
		if missing {
			return false, err
		}
		o.metrics.RewardTotal.WithLabelValues("failed").Inc()
		if ferr := o.recordRewardFailure(ctx, rewardID, err); ferr != nil {
			o.logger.Error("failed to record reward failure",
				"event", "reward_failure_record_failed",
				"reward_id", rewardID,
				"error", ferr.Error(),
			)
		}
		return false, err
	}
	if skipped {
		o.metrics.RewardTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}

	o.metrics.RewardTotal.WithLabelValues("applied").Inc()
	o.logger.Info("reward applied",
		"event", "reward_applied",
		"reward_id", applied.ID,
		"transaction_id", applied.TransactionID,
		"user_id", applied.UserID,
		"amount", applied.Amount.String(),
	)
	o.publish(ctx, event.SubjectRewardIssued, func(ctx context.Context) error {
		return o.events.PublishRewardIssued(ctx, event.RewardIssued{TokenHistory: entry, TransactionID: applied.TransactionID})
	})
	return true, nil
}

// recordRewardFailure counts a failed attempt in its own unit of work and
// dead-letters the reward once the attempts are exhausted.
func (o *Orchestrator) recordRewardFailure(ctx context.Context, rewardID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	return storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		reward, err := tx.LockPendingReward(ctx, rewardID)
		if err != nil {
			return err
		}
		if reward.Status != model.RewardPending {
			return nil
		}
		reward.Attempts++
		reward.LastError = cause.Error()
		reward.UpdatedAt = o.clock.Now()
		if reward.Attempts >= o.cfg.RewardAttempts {
			reward.Status = model.RewardDead
			o.metrics.RewardTotal.WithLabelValues("dead").Inc()
			o.logger.Error("reward dead-lettered",
				"event", "reward_dead_lettered",
				"reward_id", reward.ID,
				"transaction_id", reward.TransactionID,
				"user_id", reward.UserID,
				"attempts", reward.Attempts,
				"error", reward.LastError,
			)
		}
		return tx.UpdatePendingReward(ctx, *reward)
	})
}
