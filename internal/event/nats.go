// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams sale, reward and reservation events for downstream consumers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects published by the marketplace.
const (
	SubjectTransactionCreated = "market.transactions.created"
	SubjectRewardIssued       = "market.rewards.issued"
	SubjectVideoReserved      = "market.videos.reserved"
)

// Publisher interface defines the event publishing operations of the marketplace.
// Events are published after the unit of work commits; callers treat failures as best effort.
type Publisher interface {
	PublishTransactionCreated(ctx context.Context, tx TransactionCreated) error
	PublishRewardIssued(ctx context.Context, reward RewardIssued) error
	PublishVideoReserved(ctx context.Context, lock model.SalesLockInfo) error

	// Close closes the publisher connection
	Close() error
}

// TransactionCreated is the payload of a completed sale.
type TransactionCreated struct {
	model.TransactionReceipt
	Method model.PaymentMethod `json:"method"`
}

// RewardIssued is the payload of a credited seller reward.
type RewardIssued struct {
	model.TokenHistory
	TransactionID string `json:"transactionId"`
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishTransactionCreated(ctx context.Context, tx TransactionCreated) error {
	return nil
}

func (n *noop) PublishRewardIssued(ctx context.Context, reward RewardIssued) error {
	return nil
}

func (n *noop) PublishVideoReserved(ctx context.Context, lock model.SalesLockInfo) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication of repeated publishes for the same entity
	dedup map[string]time.Time
	mutex sync.RWMutex
}

// NewPublisher connects to NATS at url. If url is empty or the connection fails,
// it returns a no-op publisher so the service keeps running without events.
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("marketd"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams creates the MARKET_TRANSACTIONS, MARKET_REWARDS and MARKET_VIDEOS streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []struct {
		name    string
		subject string
		maxAge  time.Duration
	}{
		{"MARKET_TRANSACTIONS", "market.transactions.*", 7 * 24 * time.Hour},
		{"MARKET_REWARDS", "market.rewards.*", 7 * 24 * time.Hour},
		{"MARKET_VIDEOS", "market.videos.*", 24 * time.Hour},
	}
	for _, s := range streams {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Retention: nats.LimitsPolicy,
			MaxAge:    s.maxAge,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s stream: %w", s.name, err)
		}
	}
	return nil
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether key was published within the last 2 minutes.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish of key and drops stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// publish wraps payload in an envelope and publishes it. The dedup key doubles as
// the JetStream message ID so the server also drops duplicates.
func (p *natsPub) publish(ctx context.Context, subject, dedupKey string, payload interface{}) error {
	if p.shouldDedup(dedupKey) {
		return nil
	}

	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(dedupKey)); err != nil {
		return err
	}
	p.updateDedup(dedupKey)
	return nil
}

func (p *natsPub) PublishTransactionCreated(ctx context.Context, tx TransactionCreated) error {
	return p.publish(ctx, SubjectTransactionCreated, "tx:"+tx.ID, tx)
}

func (p *natsPub) PublishRewardIssued(ctx context.Context, reward RewardIssued) error {
	return p.publish(ctx, SubjectRewardIssued, "reward:"+reward.ID, reward)
}

func (p *natsPub) PublishVideoReserved(ctx context.Context, lock model.SalesLockInfo) error {
	key := fmt.Sprintf("lock:%s:%s:%d", lock.VideoID, lock.LockedBy, lock.LockUntil.UnixNano())
	return p.publish(ctx, SubjectVideoReserved, key, lock)
}
