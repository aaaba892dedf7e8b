package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
)

// Recorder is an in-memory Publisher that keeps every event, for tests and local runs.
type Recorder struct {
	mu           sync.Mutex
	Transactions []TransactionCreated
	Rewards      []RewardIssued
	Reservations []model.SalesLockInfo
	Err          error // Returned by every publish when set
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) PublishTransactionCreated(ctx context.Context, tx TransactionCreated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Transactions = append(r.Transactions, tx)
	return nil
}

func (r *Recorder) PublishRewardIssued(ctx context.Context, reward RewardIssued) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Rewards = append(r.Rewards, reward)
	return nil
}

func (r *Recorder) PublishVideoReserved(ctx context.Context, lock model.SalesLockInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Reservations = append(r.Reservations, lock)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Counts returns the number of recorded transaction, reward and reservation events.
func (r *Recorder) Counts() (transactions, rewards, reservations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Transactions), len(r.Rewards), len(r.Reservations)
}
