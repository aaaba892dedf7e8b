// Package lock manages the time-bounded sale reservation of a video.
//
// A reservation is a SalesLockInfo row. It is advisory: eligibility treats a lock
// past its LockUntil as absent, and the lock sweeper reaps such rows.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

// DefaultDuration is used when Config.Duration is not set.
const DefaultDuration = 30 * time.Minute

// ErrHeld is returned when another buyer holds an active lock on the video.
var ErrHeld = errors.New("video is locked by another buyer")

// Config holds the lock manager settings.
type Config struct {
	Duration time.Duration // How long a reservation lasts
}

// Manager acquires and releases sale locks inside a unit of work.
type Manager struct {
	duration time.Duration
	clock    clock.Clock
}

// NewManager creates a lock manager.
func NewManager(cfg Config, clk clock.Clock) *Manager {
	d := cfg.Duration
	if d <= 0 {
		d = DefaultDuration
	}
	return &Manager{duration: d, clock: clock.Resolve(clk)}
}

// Duration returns the configured reservation length.
func (m *Manager) Duration() time.Duration { return m.duration }

// Acquire reserves videoID for buyerID until now + duration. Re-acquiring a lock the
// buyer already holds extends it. The video row stays locked until tx ends.
func (m *Manager) Acquire(ctx context.Context, tx storage.Tx, videoID, buyerID string) (model.SalesLockInfo, error) {
	video, err := tx.LockVideo(ctx, videoID)
	if err != nil {
		return model.SalesLockInfo{}, fmt.Errorf("lock video %s: %w", videoID, err)
	}

	now := m.clock.Now()
	if video.SalesLock.ActiveAt(now) && video.SalesLock.LockedBy != buyerID {
		return model.SalesLockInfo{}, ErrHeld
	}

	lock := model.SalesLockInfo{
		VideoID:   videoID,
		LockedBy:  buyerID,
		LockUntil: now.Add(m.duration),
	}
	if err := tx.UpsertSalesLock(ctx, lock); err != nil {
		return model.SalesLockInfo{}, fmt.Errorf("write sales lock: %w", err)
	}
	return lock, nil
}

// Release removes the lock of videoID, if any, as part of tx.
func (m *Manager) Release(ctx context.Context, tx storage.Tx, videoID string) error {
	if err := tx.DeleteSalesLock(ctx, videoID); err != nil {
		return fmt.Errorf("release sales lock: %w", err)
	}
	return nil
}
