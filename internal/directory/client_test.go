package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
)

func newDirectoryServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/users/alice":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(Record{ID: "alice", Username: "alice", WalletAddress: "0xa11ce"})
		case "/users/impostor":
			_ = json.NewEncoder(w).Encode(Record{ID: "mallory", Username: "mallory", WalletAddress: "0x3a11"})
		case "/users/clash":
			_ = json.NewEncoder(w).Encode(Record{ID: "clash", Username: "clash", WalletAddress: "0xb0b"})
		case "/users/nowallet":
			_ = json.NewEncoder(w).Encode(Record{ID: "nowallet", Username: "nowallet"})
		case "/users/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientGet(t *testing.T) {
	var hits atomic.Int32
	c := New(newDirectoryServer(t, &hits).URL)
	ctx := context.Background()

	rec, err := c.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.WalletAddress != "0xa11ce" {
		t.Errorf("WalletAddress = %q", rec.WalletAddress)
	}
	if _, err := c.Get(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(nobody) error = %v, want ErrNotFound", err)
	}
	if _, err := c.Get(ctx, "broken"); err == nil {
		t.Errorf("Get(broken) succeeded, want error")
	}
}

func TestResolverProvisionsOnce(t *testing.T) {
	var hits atomic.Int32
	store := storage.NewMemory()
	r := NewResolver(store, New(newDirectoryServer(t, &hits).URL), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		user, err := r.Lookup(ctx, "alice")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if user.Wallet.Address != "0xa11ce" {
			t.Errorf("wallet = %q", user.Wallet.Address)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("directory hits = %d, want 1", hits.Load())
	}
}

func TestResolverWithoutRemote(t *testing.T) {
	store := storage.NewMemory()
	if err := store.CreateUser(context.Background(), model.User{ID: "bob", Wallet: model.Wallet{Address: "0xb0b"}}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(store, nil, nil)

	if _, err := r.Lookup(context.Background(), "bob"); err != nil {
		t.Errorf("Lookup(bob) error = %v", err)
	}
	if _, err := r.Lookup(context.Background(), "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lookup(carol) error = %v, want ErrNotFound", err)
	}
}

func TestResolverRejectsUnusableRecords(t *testing.T) {
	var hits atomic.Int32
	store := storage.NewMemory()
	if err := store.CreateUser(context.Background(), model.User{ID: "bob", Wallet: model.Wallet{Address: "0xb0b"}}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(store, New(newDirectoryServer(t, &hits).URL), nil)

	tests := []struct {
		id   string
		want error
	}{
		{"impostor", ErrRecordMismatch},
		{"clash", storage.ErrConflict},
		{"nowallet", storage.ErrWalletRequired},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if _, err := r.Lookup(context.Background(), tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("Lookup(%s) error = %v, want %v", tt.id, err, tt.want)
			}
			if _, err := store.GetUser(context.Background(), tt.id); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("GetUser(%s) error = %v, want ErrNotFound", tt.id, err)
			}
		})
	}
	if _, err := store.GetUser(context.Background(), "mallory"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetUser(mallory) error = %v, want ErrNotFound", err)
	}
}

// racingStore reports a conflict after provisioning, as when another request won.
type racingStore struct{ storage.Store }

func (s racingStore) CreateUser(ctx context.Context, user model.User) error {
	if err := s.Store.CreateUser(ctx, user); err != nil {
		return err
	}
	return storage.ErrConflict
}

func TestResolverConcurrentProvision(t *testing.T) {
	var hits atomic.Int32
	r := NewResolver(racingStore{storage.NewMemory()}, New(newDirectoryServer(t, &hits).URL), nil)

	user, err := r.Lookup(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if user.ID != "alice" || user.Wallet.Address != "0xa11ce" {
		t.Errorf("Lookup() = %+v", user)
	}
}
