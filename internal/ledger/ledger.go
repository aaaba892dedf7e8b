// Package ledger implements the append-only token ledger.
//
// Balances are never stored: a user's balance is the signed sum of their
// TokenHistory entries. Rewards append positive entries, spends negative ones.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	dayLayout      = "2006-01-02"
)

var (
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrPageOutOfRange      = errors.New("page is out of range")
)

// Config holds the ledger settings.
type Config struct {
	AllowNegativeBalance bool // Let debits drive a balance below zero
	PerPage              int  // Default history page size
}

// Ledger appends and reads token entries.
type Ledger struct {
	store storage.Store
	cfg   Config
	clock clock.Clock
}

func New(store storage.Store, cfg Config, clk clock.Clock) *Ledger {
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	return &Ledger{store: store, cfg: cfg, clock: clock.Resolve(clk)}
}

// Reward credits amount to userID inside tx.
func (l *Ledger) Reward(ctx context.Context, tx storage.Tx, userID, videoID string, amount decimal.Decimal) (model.TokenHistory, error) {
	if !amount.IsPositive() {
		return model.TokenHistory{}, ErrNonPositiveAmount
	}
	if err := tx.LockUser(ctx, userID); err != nil {
		return model.TokenHistory{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	entry := model.TokenHistory{
		ID:        ulid.Make().String(),
		UserID:    userID,
		VideoID:   videoID,
		Value:     amount,
		Type:      model.TokenReward,
		Timestamp: l.clock.Now(),
	}
	if err := tx.AppendTokenHistory(ctx, entry); err != nil {
		return model.TokenHistory{}, fmt.Errorf("append reward: %w", err)
	}
	return entry, nil
}

// Debit spends amount from userID inside tx and returns the entry ID, which stands
// in for a payment reference. The user's ledger stays locked until tx ends, so the
// balance check and the append cannot interleave with another debit.
func (l *Ledger) Debit(ctx context.Context, tx storage.Tx, userID, videoID string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", ErrNonPositiveAmount
	}
	if err := tx.LockUser(ctx, userID); err != nil {
		return "", fmt.Errorf("lock user %s: %w", userID, err)
	}
	if !l.cfg.AllowNegativeBalance {
		balance, err := tx.TokenBalance(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("read balance: %w", err)
		}
		if balance.LessThan(amount) {
			return "", ErrInsufficientBalance
		}
	}
	entry := model.TokenHistory{
		ID:        ulid.Make().String(),
		UserID:    userID,
		VideoID:   videoID,
		Value:     amount.Neg(),
		Type:      model.TokenUsed,
		Timestamp: l.clock.Now(),
	}
	if err := tx.AppendTokenHistory(ctx, entry); err != nil {
		return "", fmt.Errorf("append debit: %w", err)
	}
	return entry.ID, nil
}

// BalanceOf returns the committed balance of userID.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.TokenBalance(ctx, userID)
}

// History returns one page of the user's entries, newest first, grouped by UTC day.
// page is 1-based; perPage <= 0 selects the configured default.
func (l *Ledger) History(ctx context.Context, userID string, page, perPage int) (model.TokenHistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = l.cfg.PerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	// The offset must fit in an int.
	if page-1 > math.MaxInt/perPage {
		return model.TokenHistoryPage{}, fmt.Errorf("%w: %d", ErrPageOutOfRange, page)
	}

	items, total, err := l.store.ListTokenHistory(ctx, userID, (page-1)*perPage, perPage)
	if err != nil {
		return model.TokenHistoryPage{}, fmt.Errorf("list token history: %w", err)
	}
	return model.TokenHistoryPage{
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Groups:  GroupByDay(items),
	}, nil
}

// GroupByDay groups entries by their UTC date, keeping the input order.
func GroupByDay(items []model.TokenHistoryItem) []model.TokenHistoryGroup {
	groups := make([]model.TokenHistoryGroup, 0)
	index := make(map[string]int)
	for _, item := range items {
		day := item.Timestamp.UTC().Format(dayLayout)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, model.TokenHistoryGroup{Date: day})
		}
		groups[i].Transactions = append(groups[i].Transactions, item)
	}
	return groups
}
