// Package directory resolves marketplace users, each with their exclusive wallet.
// The local store is authoritative; an optional remote user directory provisions
// users the store has not seen yet.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

// ErrRecordMismatch is returned when the directory answers with a different user.
var ErrRecordMismatch = errors.New("directory returned a different user")

// Client talks to a remote user directory.
type Client struct {
	base string
	hc   *http.Client
}

// Record is a user as served by the remote directory.
type Record struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// New creates a remote directory client with short connect and request timeouts.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get fetches one user. A missing user is reported as storage.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Record{}, fmt.Errorf("invalid directory URL: %w", err)
	}
	u = u.JoinPath("users", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("directory get %s: %w", id, storage.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return Record{}, fmt.Errorf("decode directory user: %w", err)
		}
		if rec.ID == "" {
			rec.ID = id
		}
		return rec, nil
	case http.StatusNotFound:
		return Record{}, fmt.Errorf("directory user %s: %w", id, storage.ErrNotFound)
	default:
		return Record{}, fmt.Errorf("directory get failed: %s", resp.Status)
	}
}

// UserStore is the part of the store the resolver needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, user model.User) error
}

// Resolver looks users up in the store and, when a remote directory is configured,
// provisions unknown users from it.
type Resolver struct {
	store  UserStore
	remote *Client
	logger *slog.Logger
}

// NewResolver creates a resolver. remote may be nil.
func NewResolver(store UserStore, remote *Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, remote: remote, logger: logger}
}

// Lookup returns the user with id.
func (r *Resolver) Lookup(ctx context.Context, id string) (*model.User, error) {
	user, err := r.store.GetUser(ctx, id)
	if err == nil || !errors.Is(err, storage.ErrNotFound) || r.remote == nil {
		return user, err
	}

	rec, err := r.remote.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: requested %q, got %q", ErrRecordMismatch, id, rec.ID)
	}
	provisioned := model.User{
		ID:        rec.ID,
		Username:  rec.Username,
		Wallet:    model.Wallet{Address: rec.WalletAddress},
		CreatedAt: rec.CreatedAt,
	}
	err = r.store.CreateUser(ctx, provisioned)
	switch {
	case err == nil:
		r.logger.Info("user provisioned from directory",
			"event", "user_provisioned",
			"user_id", id,
		)
	case errors.Is(err, storage.ErrConflict):
		// Either a concurrent request provisioned the user first, or the wallet
		// already belongs to someone else.
		user, gerr := r.store.GetUser(ctx, id)
		if gerr == nil {
			return user, nil
		}
		if errors.Is(gerr, storage.ErrNotFound) {
			r.logger.Error("directory user shares a wallet",
				"event", "user_provision_failed",
				"user_id", id,
				"wallet_address", rec.WalletAddress,
			)
			return nil, fmt.Errorf("provision user %s: wallet %s already assigned: %w", id, rec.WalletAddress, err)
		}
		return nil, gerr
	default:
		return nil, fmt.Errorf("provision user %s: %w", id, err)
	}
	return r.store.GetUser(ctx, id)
}
