// Package eligibility decides whether a video can currently be bought by a given buyer.
package eligibility

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

// Reasons reported by a failed precheck. Callers show them verbatim.
const (
	ReasonVideoNotFound  = "Video not found"
	ReasonBuyerNotFound  = "From user not found"
	ReasonSellerNotFound = "To user not found"
	ReasonNotForSale     = "Video not for sale"
	ReasonLocked         = "Video is locked"
	ReasonInternal       = "Internal server error"
)

// Checker runs the read-only sale precheck.
type Checker struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewChecker creates a Checker. A nil clock or logger falls back to the defaults.
func NewChecker(clk clock.Clock, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{clock: clock.Resolve(clk), logger: logger}
}

// Precheck evaluates, in order: video exists, buyer exists, seller exists, video is
// listed, and no other buyer holds an active lock. The first failure wins.
// Lookup errors other than not-found are logged and reported as ReasonInternal.
func (c *Checker) Precheck(ctx context.Context, r storage.Reader, videoID, buyerID, sellerID string) model.Eligibility {
	res, err := c.Check(ctx, r, videoID, buyerID, sellerID)
	if err != nil {
		c.logger.Error("sale precheck lookup failed",
			"event", "sale_precheck_lookup_failed",
			"layer", "domain",
			"video_id", videoID,
			"buyer_id", buyerID,
			"seller_id", sellerID,
			"error", err.Error(),
		)
		return model.Eligibility{Allowed: false, Reason: ReasonInternal}
	}
	return res
}

// Check runs the same rules as Precheck but returns lookup failures as errors.
// The sale path uses it so infrastructure errors are not mistaken for rule failures.
func (c *Checker) Check(ctx context.Context, r storage.Reader, videoID, buyerID, sellerID string) (model.Eligibility, error) {
	video, err := r.GetVideo(ctx, videoID)
	if res, done, err := lookup(err, ReasonVideoNotFound); done {
		return res, err
	}
	_, err = r.GetUser(ctx, buyerID)
	if res, done, err := lookup(err, ReasonBuyerNotFound); done {
		return res, err
	}
	_, err = r.GetUser(ctx, sellerID)
	if res, done, err := lookup(err, ReasonSellerNotFound); done {
		return res, err
	}
	return Evaluate(video, buyerID, c.clock.Now()), nil
}

func lookup(err error, notFound string) (model.Eligibility, bool, error) {
	switch {
	case err == nil:
		return model.Eligibility{}, false, nil
	case errors.Is(err, storage.ErrNotFound):
		return model.Eligibility{Allowed: false, Reason: notFound}, true, nil
	default:
		return model.Eligibility{}, true, err
	}
}

// Evaluate applies the listing and lock rules to an already loaded video.
// A lock held by the buyer, or one that expired, does not block.
func Evaluate(video *model.Video, buyerID string, now time.Time) model.Eligibility {
	if video == nil {
		return model.Eligibility{Allowed: false, Reason: ReasonVideoNotFound}
	}
	if !video.ForSale() {
		return model.Eligibility{Allowed: false, Reason: ReasonNotForSale}
	}
	if video.SalesLock.ActiveAt(now) && video.SalesLock.LockedBy != buyerID {
		return model.Eligibility{Allowed: false, Reason: ReasonLocked}
	}
	return model.Eligibility{Allowed: true}
}
