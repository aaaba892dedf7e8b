// Package sale runs marketplace purchases: one unit of work per sale covering the
// eligibility check, the payment leg, the history record and the ownership transfer.
// Seller rewards are written to an outbox in the same unit of work and applied after commit.
package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/eligibility"
	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-market-go/internal/pricing"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout        = 100 * time.Second
	defaultRewardAttempts = 5
	voidTimeout           = 30 * time.Second
)

// Reasons produced by the orchestrator itself, in addition to the eligibility reasons.
const (
	ReasonNonceRequired       = "Payment nonce is required"
	ReasonAlreadyOwned        = "You already own this video"
	ReasonInsufficientBalance = "Insufficient token balance"
	ReasonUnknownMethod       = "Unknown payment method"
)

// ErrMissingChargeReference is returned when the gateway reports a successful charge
// without the reference needed to record or void it.
var ErrMissingChargeReference = errors.New("payment gateway returned no charge reference")

// Config holds the orchestrator settings.
type Config struct {
	Timeout        time.Duration   // Upper bound on one sale unit of work
	RewardRatio    decimal.Decimal // Seller reward = sale price * ratio
	RewardAttempts int             // Apply attempts before a reward is dead-lettered
}

// Deps are the collaborators of the orchestrator. Events, Metrics, Clock and Logger are optional.
type Deps struct {
	Store   storage.Store
	Checker *eligibility.Checker
	Locks   *lock.Manager
	Pricing *pricing.Resolver
	Ledger  *ledger.Ledger
	Gateway payment.Gateway
	Events  event.Publisher
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Orchestrator coordinates sales, reservations and listings.
type Orchestrator struct {
	cfg     Config
	store   storage.Store
	checker *eligibility.Checker
	locks   *lock.Manager
	pricing *pricing.Resolver
	ledger  *ledger.Ledger
	gateway payment.Gateway
	events  event.Publisher
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RewardAttempts <= 0 {
		cfg.RewardAttempts = defaultRewardAttempts
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		checker: deps.Checker,
		locks:   deps.Locks,
		pricing: deps.Pricing,
		ledger:  deps.Ledger,
		gateway: deps.Gateway,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock:   clock.Resolve(deps.Clock),
		logger:  deps.Logger,
		tracer:  otel.Tracer("marketplace/sale"),
	}
	if o.events == nil {
		o.events = event.NewNoop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// paymentLeg is the only part of a sale that differs between payment methods.
type paymentLeg struct {
	method model.PaymentMethod
	// pay settles price inside tx and returns the reference recorded as the tx hash.
	pay func(ctx context.Context, tx storage.Tx, buyerID, videoID string, price model.PriceBreakdown) (string, error)
	// void compensates a settled payment whose unit of work did not commit. Nil when
	// the payment is itself part of the unit of work.
	void func(ctx context.Context, reference string) error
}

// CreateTransaction buys videoID for buyerID with a fiat charge authorised by nonce.
func (o *Orchestrator) CreateTransaction(ctx context.Context, nonce, videoID, buyerID string) (model.TransactionReceipt, error) {
	if strings.TrimSpace(nonce) == "" {
		return model.TransactionReceipt{}, Reject(ReasonNonceRequired)
	}
	leg := paymentLeg{
		method: model.PaymentFiat,
		pay: func(ctx context.Context, tx storage.Tx, buyerID, videoID string, price model.PriceBreakdown) (string, error) {
			res, err := o.gateway.Charge(ctx, price.Total.Value, price.Total.Unit, nonce)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", fmt.Errorf("charge: %w", ctxErr)
				}
				return "", declined("Payment gateway error: "+err.Error(), err)
			}
			if !res.Success {
				return "", declined(res.Message, nil)
			}
			if res.Reference == "" {
				// Captured but unrecordable: it cannot be voided or traced to a history row.
				o.logger.Error("charge succeeded without a reference",
					"event", "sale_charge_unreferenced",
					"video_id", videoID,
					"buyer_id", buyerID,
					"amount", price.Total.Display,
				)
				return "", ErrMissingChargeReference
			}
			return res.Reference, nil
		},
		void: o.gateway.Void,
	}
	return o.execute(ctx, leg, videoID, buyerID)
}

// CreateTransactionWithToken buys videoID for buyerID by debiting the buyer's token ledger.
func (o *Orchestrator) CreateTransactionWithToken(ctx context.Context, videoID, buyerID string) (model.TransactionReceipt, error) {
	leg := paymentLeg{
		method: model.PaymentToken,
		pay: func(ctx context.Context, tx storage.Tx, buyerID, videoID string, price model.PriceBreakdown) (string, error) {
			ref, err := o.ledger.Debit(ctx, tx, buyerID, videoID, price.Total.Value)
			switch {
			case errors.Is(err, ledger.ErrInsufficientBalance):
				return "", Reject(ReasonInsufficientBalance)
			case errors.Is(err, ledger.ErrNonPositiveAmount):
				return "", Reject(err.Error())
			case err != nil:
				return "", fmt.Errorf("debit tokens: %w", err)
			}
			return ref, nil
		},
	}
	return o.execute(ctx, leg, videoID, buyerID)
}

// execute runs one sale. Every write happens in a single unit of work; a rejection or
// failure at any step leaves the store untouched.
func (o *Orchestrator) execute(ctx context.Context, leg paymentLeg, videoID, buyerID string) (receipt model.TransactionReceipt, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "sale.execute", trace.WithAttributes(
		attribute.String("method", string(leg.method)),
		attribute.String("video_id", videoID),
		attribute.String("buyer_id", buyerID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	defer func() {
		result := outcome(err)
		o.metrics.SaleTotal.WithLabelValues(string(leg.method), result).Inc()
		o.metrics.SaleDuration.WithLabelValues(string(leg.method), result).Observe(time.Since(start).Seconds())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// Step 1: concurrent reads outside the unit of work. A missing video or buyer fails
	// fast; the authoritative state is re-read under the row lock below.
	var (
		buyer      *model.User
		video      *model.Video
		quote      model.PriceBreakdown
		quoteKnown bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		buyer, err = o.store.GetUser(gctx, buyerID)
		return ignoreNotFound(err)
	})
	g.Go(func() (err error) {
		video, err = o.store.GetVideo(gctx, videoID)
		return ignoreNotFound(err)
	})
	g.Go(func() error {
		q, err := o.pricing.PriceFor(gctx, o.store, videoID, buyerID, leg.method)
		if err == nil {
			quote, quoteKnown = q, true
			return nil
		}
		if errors.Is(err, pricing.ErrNotForSale) {
			return nil
		}
		return ignoreNotFound(err)
	})
	if err := g.Wait(); err != nil {
		return model.TransactionReceipt{}, fmt.Errorf("load sale inputs: %w", err)
	}
	if video == nil {
		return model.TransactionReceipt{}, Reject(eligibility.ReasonVideoNotFound)
	}
	if buyer == nil {
		return model.TransactionReceipt{}, Reject(eligibility.ReasonBuyerNotFound)
	}

	var (
		charged string
		reward  *model.PendingReward
	)
	err = storage.WithTx(ctx, o.store, func(tx storage.Tx) error {
		// Step 2: lock the video row and take the seller from its current owner
		video, err := tx.LockVideo(ctx, videoID)
		if errors.Is(err, storage.ErrNotFound) {
			return Reject(eligibility.ReasonVideoNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock video: %w", err)
		}
		sellerID := video.OwnerID

		// Steps 3-4: buyer and seller exist, the video is listed and not locked by someone else
		res, err := o.checker.Check(ctx, tx, videoID, buyerID, sellerID)
		if err != nil {
			return fmt.Errorf("eligibility: %w", err)
		}
		if !res.Allowed {
			return Reject(res.Reason)
		}
		if sellerID == buyerID {
			return Reject(ReasonAlreadyOwned)
		}

		price, err := o.pricing.Breakdown(video, leg.method)
		if err != nil {
			return fmt.Errorf("price video: %w", err)
		}
		if quoteKnown && !quote.Total.Value.Equal(price.Total.Value) {
			o.logger.Info("sale price changed while loading",
				"event", "sale_price_changed",
				"video_id", videoID,
				"quoted", quote.Total.Display,
				"charged", price.Total.Display,
			)
		}

		// Steps 5-6: payment leg
		ref, err := leg.pay(ctx, tx, buyerID, videoID, price)
		if err != nil {
			return err
		}
		if leg.void != nil {
			charged = ref
		}

		// Step 7: record the sale and move ownership
		now := o.clock.Now()
		history := model.TransactionHistory{
			ID:        uuid.New().String(),
			TxHash:    ref,
			Value:     price.Total.Display,
			VideoID:   videoID,
			FromID:    sellerID,
			ToID:      buyerID,
			CreatedAt: now,
		}
		if err := tx.CreateTransactionHistory(ctx, history); err != nil {
			return fmt.Errorf("create transaction history: %w", err)
		}
		if err := tx.UpdateVideoOwner(ctx, videoID, sellerID, buyerID, now); err != nil {
			return fmt.Errorf("transfer ownership: %w", err)
		}
		if err := tx.DeleteSalesInfo(ctx, videoID); err != nil {
			return fmt.Errorf("clear listing: %w", err)
		}
		if err := o.locks.Release(ctx, tx, videoID); err != nil {
			return err
		}

		// Step 9 outbox row, applied after commit
		amount := price.BasePrice.Value.Mul(o.cfg.RewardRatio)
		if amount.IsPositive() {
			reward = &model.PendingReward{
				ID:            ulid.Make().String(),
				TransactionID: history.ID,
				UserID:        sellerID,
				VideoID:       videoID,
				Amount:        amount,
				Status:        model.RewardPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreatePendingReward(ctx, *reward); err != nil {
				return fmt.Errorf("queue reward: %w", err)
			}
		}

		// Step 8
		receipt = model.TransactionReceipt{
			TransactionHistory: history,
			Price:              price.Total.Value,
			Unit:               price.Total.Unit,
		}
		return nil
	})
	if err != nil {
		if charged != "" {
			o.voidCharge(ctx, leg, charged, err)
		}
		return model.TransactionReceipt{}, err
	}

	o.logger.Info("sale completed",
		"event", "sale_completed",
		"method", string(leg.method),
		"transaction_id", receipt.ID,
		"video_id", videoID,
		"buyer_id", buyerID,
		"seller_id", receipt.FromID,
		"value", receipt.Value,
	)
	o.publish(ctx, event.SubjectTransactionCreated, func(ctx context.Context) error {
		return o.events.PublishTransactionCreated(ctx, event.TransactionCreated{TransactionReceipt: receipt, Method: leg.method})
	})
	if reward != nil {
		if _, err := o.ApplyReward(ctx, reward.ID); err != nil {
			o.logger.Warn("reward deferred to relay",
				"event", "sale_reward_deferred",
				"reward_id", reward.ID,
				"transaction_id", receipt.ID,
				"error", err.Error(),
			)
		}
	}
	return receipt, nil
}

// voidCharge compensates a captured fiat charge whose sale did not commit.
func (o *Orchestrator) voidCharge(ctx context.Context, leg paymentLeg, reference string, cause error) {
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), voidTimeout)
	defer cancel()

	if err := leg.void(vctx, reference); err != nil {
		o.logger.Error("payment void failed after aborted sale",
			"event", "sale_void_failed",
			"reference", reference,
			"cause", cause.Error(),
			"error", err.Error(),
		)
		return
	}
	o.logger.Warn("payment voided after aborted sale",
		"event", "sale_payment_voided",
		"reference", reference,
		"cause", cause.Error(),
	)
}

// publish sends an event and only logs failures.
func (o *Orchestrator) publish(ctx context.Context, subject string, send func(ctx context.Context) error) {
	start := time.Now()
	err := send(ctx)
	status := metrics.Status(err)
	o.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
	o.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	if err != nil {
		o.logger.Warn("event publish failed",
			"event", "event_publish_failed",
			"subject", subject,
			"error", err.Error(),
		)
	}
}

// PrecheckTransaction reports whether buyerID may buy videoID from sellerID.
// Infrastructure errors are reported as the "Internal server error" reason.
func (o *Orchestrator) PrecheckTransaction(ctx context.Context, videoID, buyerID, sellerID string) model.Eligibility {
	return o.checker.Precheck(ctx, o.store, videoID, buyerID, sellerID)
}

// GetPaymentInfo returns the price breakdown of videoID for method.
func (o *Orchestrator) GetPaymentInfo(ctx context.Context, videoID, buyerID string, method model.PaymentMethod) (model.PriceBreakdown, error) {
	price, err := o.pricing.PriceFor(ctx, o.store, videoID, buyerID, method)
	switch {
	case errors.Is(err, pricing.ErrUnknownMethod):
		return model.PriceBreakdown{}, Reject(ReasonUnknownMethod)
	case errors.Is(err, pricing.ErrNotForSale):
		return model.PriceBreakdown{}, Reject(eligibility.ReasonNotForSale)
	case errors.Is(err, storage.ErrNotFound):
		return model.PriceBreakdown{}, Reject(eligibility.ReasonVideoNotFound)
	case err != nil:
		return model.PriceBreakdown{}, err
	}
	return price, nil
}

// ClientToken returns a payment gateway client token for the buyer's checkout UI.
func (o *Orchestrator) ClientToken(ctx context.Context) (string, error) {
	token, err := o.gateway.GenerateClientToken(ctx)
	if err != nil {
		return "", fmt.Errorf("generate client token: %w", err)
	}
	return token, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// outcome is the metrics label of a sale result.
func outcome(err error) string {
	var be *BusinessError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &be):
		return "rejected"
	default:
		return "error"
	}
}
