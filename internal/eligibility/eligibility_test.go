package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, video model.Video) storage.Store {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	for _, u := range []string{"buyer", "seller", "other"} {
		if err := store.CreateUser(ctx, model.User{ID: u, Username: u, Wallet: model.Wallet{Address: "0x" + u}}); err != nil {
			t.Fatalf("CreateUser(%s): %v", u, err)
		}
	}
	if err := store.CreateVideo(ctx, video); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return store
}

func listed() *model.SalesInfo {
	return &model.SalesInfo{Price: decimal.RequireFromString("1.00"), Unit: "HKD"}
}

func TestPrecheck(t *testing.T) {
	tests := []struct {
		name     string
		video    model.Video
		videoID  string
		buyerID  string
		sellerID string
		want     model.Eligibility
	}{
		{
			name:    "video not found",
			video:   model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed()},
			videoID: "missing", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Reason: ReasonVideoNotFound},
		},
		{
			name:    "buyer not found",
			video:   model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed()},
			videoID: "v1", buyerID: "ghost", sellerID: "seller",
			want: model.Eligibility{Reason: ReasonBuyerNotFound},
		},
		{
			name:    "seller not found",
			video:   model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed()},
			videoID: "v1", buyerID: "buyer", sellerID: "ghost",
			want: model.Eligibility{Reason: ReasonSellerNotFound},
		},
		{
			name:    "video not for sale",
			video:   model.Video{ID: "v1", OwnerID: "seller"},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Reason: ReasonNotForSale},
		},
		{
			name: "locked by another buyer",
			video: model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed(),
				SalesLock: &model.SalesLockInfo{LockedBy: "other", LockUntil: now.Add(24 * time.Hour)}},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Reason: ReasonLocked},
		},
		{
			name: "locked by the buyer",
			video: model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed(),
				SalesLock: &model.SalesLockInfo{LockedBy: "buyer", LockUntil: now.Add(time.Hour)}},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Allowed: true},
		},
		{
			name: "expired lock",
			video: model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed(),
				SalesLock: &model.SalesLockInfo{LockedBy: "other", LockUntil: now.Add(-time.Second)}},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Allowed: true},
		},
		{
			name: "lock ending exactly now",
			video: model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed(),
				SalesLock: &model.SalesLockInfo{LockedBy: "other", LockUntil: now}},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Allowed: true},
		},
		{
			name:    "not listed takes precedence over lock",
			video:   model.Video{ID: "v1", OwnerID: "seller", SalesLock: &model.SalesLockInfo{LockedBy: "other", LockUntil: now.Add(time.Hour)}},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Reason: ReasonNotForSale},
		},
		{
			name:    "allowed",
			video:   model.Video{ID: "v1", OwnerID: "seller", SalesInfo: listed()},
			videoID: "v1", buyerID: "buyer", sellerID: "seller",
			want: model.Eligibility{Allowed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seed(t, tt.video)
			checker := NewChecker(clock.NewManual(now), nil)
			got := checker.Precheck(context.Background(), store, tt.videoID, tt.buyerID, tt.sellerID)
			if got != tt.want {
				t.Errorf("Precheck() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type failingReader struct {
	storage.Reader
}

func (failingReader) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return nil, errors.New("connection reset")
}

func TestPrecheckCollapsesInternalErrors(t *testing.T) {
	checker := NewChecker(clock.NewManual(now), nil)
	got := checker.Precheck(context.Background(), failingReader{}, "v1", "buyer", "seller")
	want := model.Eligibility{Reason: ReasonInternal}
	if got != want {
		t.Errorf("Precheck() = %+v, want %+v", got, want)
	}
}

func TestEvaluateNilVideo(t *testing.T) {
	if got := Evaluate(nil, "buyer", now); got.Allowed || got.Reason != ReasonVideoNotFound {
		t.Errorf("Evaluate(nil) = %+v", got)
	}
}

func TestCheckReturnsLookupErrors(t *testing.T) {
	checker := NewChecker(clock.NewManual(now), nil)
	_, err := checker.Check(context.Background(), failingReader{}, "v1", "buyer", "seller")
	if err == nil {
		t.Fatal("Check() error = nil, want lookup error")
	}
}
