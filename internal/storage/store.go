// internal/storage/store.go
// Package storage provides the persistence layer of the marketplace service.
// It defines the Store and unit-of-work (Tx) contracts implemented by both
// the in-memory and the PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/shopspring/decimal"
)

// Standard errors returned by the storage layer.
// This is the closed set the error translation layer understands.
var (
	ErrNotFound      = errors.New("not found")             // Returned when a record is not found
	ErrConflict      = errors.New("conflict")              // Returned on duplicate keys or a failed conditional write
	ErrSerialization = errors.New("serialization failure") // Returned when the store aborted the transaction
	ErrUnavailable   = errors.New("store unavailable")     // Returned when the store cannot be reached
	ErrTxDone        = errors.New("transaction is already finished")

	// ErrWalletRequired is returned by CreateUser for a user without a wallet address.
	ErrWalletRequired = errors.New("user has no wallet address")
)

// Reader holds the read operations available both on the store and inside a unit of work.
type Reader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	// GetVideo returns the video with its optional SalesInfo and SalesLockInfo.
	GetVideo(ctx context.Context, id string) (*model.Video, error)
	// TokenBalance sums every ledger entry of the user, sign included.
	TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Writer holds the mutating operations. They only exist on a unit of work.
type Writer interface {
	UpsertSalesInfo(ctx context.Context, info model.SalesInfo) error
	DeleteSalesInfo(ctx context.Context, videoID string) error
	UpsertSalesLock(ctx context.Context, lock model.SalesLockInfo) error
	DeleteSalesLock(ctx context.Context, videoID string) error
	// UpdateVideoOwner reassigns ownership only if the owner is still expectedOwnerID.
	// It returns ErrConflict when the owner changed since it was read.
	UpdateVideoOwner(ctx context.Context, videoID, expectedOwnerID, newOwnerID string, at time.Time) error
	CreateTransactionHistory(ctx context.Context, history model.TransactionHistory) error
	AppendTokenHistory(ctx context.Context, entry model.TokenHistory) error
	CreatePendingReward(ctx context.Context, reward model.PendingReward) error
	UpdatePendingReward(ctx context.Context, reward model.PendingReward) error
}

// Tx is a unit of work. All writes made through it commit or abort together.
// Writes become visible to other readers only after Commit.
type Tx interface {
	Reader
	Writer

	// LockVideo takes the row lock of a video until the unit of work ends and
	// returns a fresh read of it.
	LockVideo(ctx context.Context, videoID string) (*model.Video, error)
	// LockUser serializes ledger writes of a user until the unit of work ends.
	LockUser(ctx context.Context, userID string) error
	// LockPendingReward takes the row lock of an outbox row and returns it.
	LockPendingReward(ctx context.Context, id string) (*model.PendingReward, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store interface defines the storage operations required by the marketplace service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	Reader

	// Begin opens a unit of work.
	Begin(ctx context.Context) (Tx, error)

	// Account and catalog seeding; upload and signup flows live outside the sale engine.
	CreateUser(ctx context.Context, user model.User) error
	CreateVideo(ctx context.Context, video model.Video) error

	ListTransactionHistory(ctx context.Context, videoID string) ([]model.TransactionHistory, error)
	// ListTokenHistory returns a page of a user's ledger, newest first, plus the total entry count.
	ListTokenHistory(ctx context.Context, userID string, offset, limit int) ([]model.TokenHistoryItem, int, error)
	ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error)

	// DeleteExpiredLocks reaps sale locks whose lock_until is not after now.
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error)
	CountSalesLocks(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// WithTx runs fn inside a unit of work with a single commit/rollback point.
// A panic or an error from fn rolls the unit of work back.
func WithTx(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
