package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedLocks(t *testing.T, store storage.Store, until map[string]time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateUser(ctx, model.User{ID: "owner", Wallet: model.Wallet{Address: "0x0wner"}}); err != nil {
		t.Fatal(err)
	}
	for id, lockUntil := range until {
		video := model.Video{
			ID:        id,
			OwnerID:   "owner",
			SalesLock: &model.SalesLockInfo{LockedBy: "buyer", LockUntil: lockUntil},
		}
		if err := store.CreateVideo(ctx, video); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLockSweeperRunOnce(t *testing.T) {
	store := storage.NewMemory()
	seedLocks(t, store, map[string]time.Time{
		"expired": start.Add(-time.Minute),
		"ending":  start,
		"active":  start.Add(time.Minute),
	})
	clk := clock.NewManual(start)
	sweeper := LockSweeper{Locks: store, Clock: clk, Metrics: metrics.NewMetrics()}

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n, _ := store.CountSalesLocks(context.Background()); n != 1 {
		t.Fatalf("locks after sweep = %d, want 1", n)
	}
	video, _ := store.GetVideo(context.Background(), "active")
	if video.SalesLock == nil {
		t.Errorf("active lock was reaped")
	}

	clk.Advance(time.Minute)
	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n, _ := store.CountSalesLocks(context.Background()); n != 0 {
		t.Errorf("locks after second sweep = %d, want 0", n)
	}
}

type brokenLocks struct{}

func (brokenLocks) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	return 0, storage.ErrUnavailable
}

func TestLockSweeperPropagatesErrors(t *testing.T) {
	sweeper := LockSweeper{Locks: brokenLocks{}}
	if err := sweeper.RunOnce(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("RunOnce() error = %v, want ErrUnavailable", err)
	}
}

type staticOutbox struct {
	rewards []model.PendingReward
	limit   int
}

func (o *staticOutbox) ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error) {
	o.limit = limit
	return o.rewards, nil
}

type scriptedApplier struct {
	fail  map[string]bool
	calls []string
}

func (a *scriptedApplier) ApplyReward(ctx context.Context, rewardID string) (bool, error) {
	a.calls = append(a.calls, rewardID)
	if a.fail[rewardID] {
		return false, errors.New("ledger unavailable")
	}
	return true, nil
}

func TestRewardRelayRunOnce(t *testing.T) {
	outbox := &staticOutbox{rewards: []model.PendingReward{
		{ID: "r1", Amount: decimal.NewFromInt(1)},
		{ID: "r2", Amount: decimal.NewFromInt(2)},
		{ID: "r3", Amount: decimal.NewFromInt(3)},
	}}
	applier := &scriptedApplier{fail: map[string]bool{"r2": true}}
	relay := RewardRelay{Outbox: outbox, Applier: applier}

	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if outbox.limit != 100 {
		t.Errorf("batch limit = %d, want default 100", outbox.limit)
	}
	if len(applier.calls) != 3 {
		t.Errorf("apply calls = %v, want all three rewards", applier.calls)
	}
}

type countingJob struct{ n atomic.Int32 }

func (j *countingJob) RunOnce(ctx context.Context) error {
	j.n.Add(1)
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := &countingJob{}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, "test", 5*time.Millisecond, job, nil) }()

	deadline := time.After(2 * time.Second)
	for job.n.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("job did not run twice")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
