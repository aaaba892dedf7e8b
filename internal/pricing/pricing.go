// Package pricing computes the buyer-facing price breakdown of a listed video.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

// Line item names of a breakdown.
const (
	ItemCommission = "Platform commission"
	ItemGasFee     = "Gas fee"
	ItemTotal      = "Total"
)

var (
	ErrNotForSale    = errors.New("video is not for sale")
	ErrUnknownMethod = errors.New("unknown payment method")
)

// Config holds the pricing settings.
type Config struct {
	FiatUnit       string          // Currency label of fiat prices, e.g. HKD
	TokenUnit      string          // Internal token symbol
	CommissionRate decimal.Decimal // Fraction of the base price charged as commission
	GasFee         decimal.Decimal // Flat fee added to token purchases
}

// Resolver prices videos for a payment method. Both methods share the base price;
// only the unit label and the fee items differ.
type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	if cfg.FiatUnit == "" {
		cfg.FiatUnit = "HKD"
	}
	if cfg.TokenUnit == "" {
		cfg.TokenUnit = "VTK"
	}
	return &Resolver{cfg: cfg}
}

// PriceFor loads the video and prices it. buyerID is accepted for per-buyer pricing
// and does not change the result today.
func (r *Resolver) PriceFor(ctx context.Context, rd storage.Reader, videoID, buyerID string, method model.PaymentMethod) (model.PriceBreakdown, error) {
	if !method.Valid() {
		return model.PriceBreakdown{}, ErrUnknownMethod
	}
	video, err := rd.GetVideo(ctx, videoID)
	if err != nil {
		return model.PriceBreakdown{}, fmt.Errorf("get video %s: %w", videoID, err)
	}
	return r.Breakdown(video, method)
}

// Breakdown prices an already loaded video.
func (r *Resolver) Breakdown(video *model.Video, method model.PaymentMethod) (model.PriceBreakdown, error) {
	if !method.Valid() {
		return model.PriceBreakdown{}, ErrUnknownMethod
	}
	if !video.ForSale() {
		return model.PriceBreakdown{}, ErrNotForSale
	}

	base := video.SalesInfo.Price
	commission := base.Mul(r.cfg.CommissionRate)
	gas := decimal.Zero
	if method == model.PaymentToken {
		gas = r.cfg.GasFee
	}
	total := base.Add(commission).Add(gas)
	unit := r.unit(video.SalesInfo, method)

	return model.PriceBreakdown{
		VideoID:   video.ID,
		Method:    method,
		BasePrice: Format(base, unit, method),
		Items: []model.PriceLineItem{
			{Name: ItemCommission, Amount: Format(commission, unit, method)},
			{Name: ItemGasFee, Amount: Format(gas, unit, method)},
			{Name: ItemTotal, Amount: Format(total, unit, method)},
		},
		Total: Format(total, unit, method),
	}, nil
}

func (r *Resolver) unit(info *model.SalesInfo, method model.PaymentMethod) string {
	if method == model.PaymentToken {
		return r.cfg.TokenUnit
	}
	if info.Unit != "" {
		return info.Unit
	}
	return r.cfg.FiatUnit
}

// Format renders an amount. Fiat amounts always show two decimals; token
// amounts are plain numbers.
func Format(amount decimal.Decimal, unit string, method model.PaymentMethod) model.PriceAmount {
	var s string
	if method == model.PaymentFiat {
		s = amount.StringFixed(2)
	} else {
		s = amount.String()
	}
	return model.PriceAmount{Display: s + " " + unit, Value: amount, Unit: unit}
}

// FiatUnit returns the default currency of fiat listings.
func (r *Resolver) FiatUnit() string { return r.cfg.FiatUnit }
