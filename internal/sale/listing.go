package sale

import (
	"context"
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-market-go/internal/eligibility"
	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	ReasonNotOwner     = "Only the owner can change the listing"
	ReasonInvalidPrice = "Price must be greater than zero"
)

// ListVideo puts videoID up for sale at price, replacing any previous listing.
func (o *Orchestrator) ListVideo(ctx context.Context, videoID, ownerID string, price decimal.Decimal) (model.SalesInfo, error) {
	price = price.Round(2)
	if !price.IsPositive() {
		return model.SalesInfo{}, Reject(ReasonInvalidPrice)
	}

	var info model.SalesInfo
	err := storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		video, err := o.lockOwned(ctx, tx, videoID, ownerID)
		if err != nil {
			return err
		}
		info = model.SalesInfo{
			VideoID:   video.ID,
			Price:     price,
			Unit:      o.pricing.FiatUnit(),
			CreatedAt: o.clock.Now(),
		}
		if err := tx.UpsertSalesInfo(ctx, info); err != nil {
			return fmt.Errorf("write listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.SalesInfo{}, err
	}

	o.logger.Info("video listed",
		"event", "video_listed",
		"video_id", videoID,
		"owner_id", ownerID,
		"price", info.Price.StringFixed(2),
		"unit", info.Unit,
	)
	return info, nil
}

// UnlistVideo withdraws the listing of videoID. It is refused while another
// buyer holds an active reservation.
func (o *Orchestrator) UnlistVideo(ctx context.Context, videoID, ownerID string) error {
	err := storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		video, err := o.lockOwned(ctx, tx, videoID, ownerID)
		if err != nil {
			return err
		}
		if video.SalesLock.ActiveAt(o.clock.Now()) && video.SalesLock.LockedBy != ownerID {
			return Reject(eligibility.ReasonLocked)
		}
		if err := tx.DeleteSalesInfo(ctx, videoID); err != nil {
			return fmt.Errorf("delete listing: %w", err)
		}
		return o.locks.Release(ctx, tx, videoID)
	})
	if err != nil {
		return err
	}
	o.logger.Info("video unlisted",
		"event", "video_unlisted",
		"video_id", videoID,
		"owner_id", ownerID,
	)
	return nil
}

// ReserveVideo locks videoID for buyerID for the configured duration, after the same
// checks a purchase runs. Reserving again extends the buyer's own lock.
func (o *Orchestrator) ReserveVideo(ctx context.Context, videoID, buyerID string) (model.SalesLockInfo, error) {
	var held model.SalesLockInfo
	err := storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		video, err := tx.LockVideo(ctx, videoID)
		if errors.Is(err, storage.ErrNotFound) {
			return Reject(eligibility.ReasonVideoNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock video: %w", err)
		}

		res, err := o.checker.Check(ctx, tx, videoID, buyerID, video.OwnerID)
		if err != nil {
			return fmt.Errorf("eligibility: %w", err)
		}
		if !res.Allowed {
			return Reject(res.Reason)
		}
		if video.OwnerID == buyerID {
			return Reject(ReasonAlreadyOwned)
		}

		held, err = o.locks.Acquire(ctx, tx, videoID, buyerID)
		if errors.Is(err, lock.ErrHeld) {
			return Reject(eligibility.ReasonLocked)
		}
		return err
	})
	if err != nil {
		return model.SalesLockInfo{}, err
	}

	o.logger.Info("video reserved",
		"event", "video_reserved",
		"video_id", videoID,
		"buyer_id", buyerID,
		"lock_until", held.LockUntil,
	)
	o.publish(ctx, event.SubjectVideoReserved, func(ctx context.Context) error {
		return o.events.PublishVideoReserved(ctx, held)
	})
	return held, nil
}

// lockOwned locks videoID and checks that ownerID currently owns it.
func (o *Orchestrator) lockOwned(ctx context.Context, tx storage.Tx, videoID, ownerID string) (*model.Video, error) {
	video, err := tx.LockVideo(ctx, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Reject(eligibility.ReasonVideoNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock video: %w", err)
	}
	if video.OwnerID != ownerID {
		return nil, forbidden(ReasonNotOwner)
	}
	return video, nil
}
