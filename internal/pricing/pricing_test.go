package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

func video(price string) *model.Video {
	return &model.Video{
		ID:        "v1",
		OwnerID:   "seller",
		SalesInfo: &model.SalesInfo{VideoID: "v1", Price: decimal.RequireFromString(price), Unit: "HKD"},
	}
}

func TestBreakdown(t *testing.T) {
	r := NewResolver(Config{FiatUnit: "HKD", TokenUnit: "VTK"})

	tests := []struct {
		name        string
		price       string
		method      model.PaymentMethod
		wantDisplay string
		wantUnit    string
	}{
		{"fiat pads to two decimals", "1", model.PaymentFiat, "1.00 HKD", "HKD"},
		{"fiat keeps cents", "12.5", model.PaymentFiat, "12.50 HKD", "HKD"},
		{"token is a plain number", "1", model.PaymentToken, "1 VTK", "VTK"},
		{"token keeps fraction", "2.75", model.PaymentToken, "2.75 VTK", "VTK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Breakdown(video(tt.price), tt.method)
			if err != nil {
				t.Fatalf("Breakdown() error = %v", err)
			}
			if got.Total.Display != tt.wantDisplay {
				t.Errorf("Total.Display = %q, want %q", got.Total.Display, tt.wantDisplay)
			}
			if got.Total.Unit != tt.wantUnit {
				t.Errorf("Total.Unit = %q, want %q", got.Total.Unit, tt.wantUnit)
			}
			if !got.Total.Value.Equal(decimal.RequireFromString(tt.price)) {
				t.Errorf("Total.Value = %v, want %v", got.Total.Value, tt.price)
			}
			if len(got.Items) != 3 || got.Items[0].Name != ItemCommission || got.Items[1].Name != ItemGasFee || got.Items[2].Name != ItemTotal {
				t.Errorf("Items = %+v", got.Items)
			}
			if !got.Items[0].Amount.Value.IsZero() || !got.Items[1].Amount.Value.IsZero() {
				t.Errorf("commission/gas = %v/%v, want zero", got.Items[0].Amount.Value, got.Items[1].Amount.Value)
			}
		})
	}
}

func TestBreakdownWithFees(t *testing.T) {
	r := NewResolver(Config{
		CommissionRate: decimal.RequireFromString("0.05"),
		GasFee:         decimal.RequireFromString("0.5"),
	})
	got, err := r.Breakdown(video("100"), model.PaymentToken)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("105.5"); !got.Total.Value.Equal(want) {
		t.Errorf("Total.Value = %v, want %v", got.Total.Value, want)
	}
	fiat, _ := r.Breakdown(video("100"), model.PaymentFiat)
	if fiat.Total.Display != "105.00 HKD" {
		t.Errorf("fiat Total.Display = %q, want 105.00 HKD", fiat.Total.Display)
	}
}

func TestBreakdownErrors(t *testing.T) {
	r := NewResolver(Config{})
	if _, err := r.Breakdown(&model.Video{ID: "v1"}, model.PaymentFiat); !errors.Is(err, ErrNotForSale) {
		t.Errorf("unlisted error = %v, want ErrNotForSale", err)
	}
	if _, err := r.Breakdown(video("1"), model.PaymentMethod("crypto")); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("method error = %v, want ErrUnknownMethod", err)
	}
}

func TestPriceFor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.CreateUser(ctx, model.User{ID: "seller", Wallet: model.Wallet{Address: "0xs"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateVideo(ctx, *video("3.2")); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Config{})

	got, err := r.PriceFor(ctx, store, "v1", "buyer", model.PaymentFiat)
	if err != nil {
		t.Fatalf("PriceFor() error = %v", err)
	}
	if got.Total.Display != "3.20 HKD" {
		t.Errorf("Total.Display = %q, want 3.20 HKD", got.Total.Display)
	}
	if _, err := r.PriceFor(ctx, store, "missing", "buyer", model.PaymentFiat); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing video error = %v, want ErrNotFound", err)
	}
}
