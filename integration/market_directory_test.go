// integration/market_directory_test.go
// Package integration provides integration tests for the marketplace against its
// identity provider and user directory, both served over real HTTP.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-market-go/internal/eligibility"
	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-market-go/internal/pricing"
	"github.com/RegistryAccord/registryaccord-market-go/internal/sale"
	"github.com/RegistryAccord/registryaccord-market-go/internal/server"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	issuer   = "https://id.example"
	audience = "marketplace"
	keyID    = "key-1"
)

// identityProvider serves a JWKS with one Ed25519 key and signs tokens with it.
type identityProvider struct {
	srv  *httptest.Server
	priv ed25519.PrivateKey
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	set := jwks.JWKS{Keys: []jwks.JWK{{
		Kty: "OKP",
		Kid: keyID,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return &identityProvider{srv: srv, priv: priv}
}

func (p *identityProvider) sign(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(p.priv)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return s
}

func claimsFor(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

// newMarket wires the service against the identity provider and an optional directory.
func newMarket(t *testing.T, idp *identityProvider, directoryURL string) (http.Handler, storage.Store) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.CreateUser(ctx, model.User{ID: "seller", Username: "seller", Wallet: model.Wallet{Address: "0x5e11e7"}}); err != nil {
		t.Fatal(err)
	}
	video := model.Video{
		ID:        "v1",
		Title:     "Harbour",
		OwnerID:   "seller",
		SalesInfo: &model.SalesInfo{Price: decimal.NewFromInt(20), Unit: "HKD"},
	}
	if err := store.CreateVideo(ctx, video); err != nil {
		t.Fatal(err)
	}

	var remote *directory.Client
	if directoryURL != "" {
		remote = directory.New(directoryURL)
	}
	clk := clock.System
	ldg := ledger.New(store, ledger.Config{}, clk)
	orch := sale.New(sale.Config{RewardRatio: decimal.RequireFromString("0.1")}, sale.Deps{
		Store:   store,
		Checker: eligibility.NewChecker(clk, nil),
		Locks:   lock.NewManager(lock.Config{Duration: 30 * time.Minute}, clk),
		Pricing: pricing.NewResolver(pricing.Config{FiatUnit: "HKD", TokenUnit: "VTK"}),
		Ledger:  ldg,
		Gateway: payment.NewSandbox(),
		Events:  event.NewRecorder(),
		Clock:   clk,
	})
	mux, err := server.NewMux(server.Options{
		Store:       store,
		Sales:       orch,
		Ledger:      ldg,
		Directory:   directory.NewResolver(store, remote, nil),
		JWKS:        jwks.NewClient(idp.srv.URL + "/.well-known/jwks.json"),
		JWTIssuer:   issuer,
		JWTAudience: audience,
	})
	if err != nil {
		t.Fatalf("NewMux() error = %v", err)
	}
	return mux, store
}

func serve(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Code
}

// TestJWTValidation checks tokens against a JWKS fetched over HTTP.
func TestJWTValidation(t *testing.T) {
	idp := newIdentityProvider(t)
	mux, _ := newMarket(t, idp, "")

	wrongIssuer := claimsFor("seller")
	wrongIssuer["iss"] = "https://other.example"
	wrongAudience := claimsFor("seller")
	wrongAudience["aud"] = "other"
	noExpiry := claimsFor("seller")
	delete(noExpiry, "exp")

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"ValidJWT", idp.sign(t, claimsFor("seller"), keyID), http.StatusOK, ""},
		{"InvalidIssuer", idp.sign(t, wrongIssuer, keyID), http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"InvalidAudience", idp.sign(t, wrongAudience, keyID), http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"MissingExpiry", idp.sign(t, noExpiry, keyID), http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"MissingKid", idp.sign(t, claimsFor("seller"), ""), http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"UnknownKid", idp.sign(t, claimsFor("seller"), "key-2"), http.StatusUnauthorized, "MKT_JWT_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(mux, http.MethodGet, "/v1/tokens/balance", tt.token, "")
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body.String())
			}
			if tt.code != "" {
				if code := errorCode(t, rr); code != tt.code {
					t.Errorf("code = %s, want %s", code, tt.code)
				}
			}
		})
	}
}

// TestDirectoryProvisioning checks that a buyer known only to the directory can trade.
func TestDirectoryProvisioning(t *testing.T) {
	idp := newIdentityProvider(t)
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/users/")
		if id != "remote-buyer" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(directory.Record{
			ID:            id,
			Username:      "remote",
			WalletAddress: "0xfeed",
			CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	defer dir.Close()
	mux, store := newMarket(t, idp, dir.URL)

	token := idp.sign(t, claimsFor("remote-buyer"), keyID)
	rr := serve(mux, http.MethodPost, "/v1/transactions", token, `{"videoId":"v1","paymentNonce":"fake-valid-nonce"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("sale status = %d, body %s", rr.Code, rr.Body.String())
	}

	user, err := store.GetUser(context.Background(), "remote-buyer")
	if err != nil {
		t.Fatalf("buyer was not provisioned: %v", err)
	}
	if user.Wallet.Address != "0xfeed" {
		t.Errorf("wallet = %q, want 0xfeed", user.Wallet.Address)
	}
	video, _ := store.GetVideo(context.Background(), "v1")
	if video.OwnerID != "remote-buyer" {
		t.Errorf("owner = %s, want remote-buyer", video.OwnerID)
	}

	// A user unknown everywhere cannot buy.
	stranger := idp.sign(t, claimsFor("stranger"), keyID)
	rr = serve(mux, http.MethodGet, "/v1/users/stranger", stranger, "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "MKT_NOT_FOUND" {
		t.Errorf("unknown user = %d %s", rr.Code, rr.Body.String())
	}
}

// TestDirectoryUnavailable checks that an unreachable directory surfaces as 503.
func TestDirectoryUnavailable(t *testing.T) {
	idp := newIdentityProvider(t)
	dir := httptest.NewServer(http.NotFoundHandler())
	dirURL := dir.URL
	dir.Close()
	mux, _ := newMarket(t, idp, dirURL)

	token := idp.sign(t, claimsFor("seller"), keyID)
	rr := serve(mux, http.MethodGet, "/v1/users/ghost", token, "")
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "MKT_UNAVAILABLE" {
		t.Errorf("status = %d, body %s, want 503 MKT_UNAVAILABLE", rr.Code, rr.Body.String())
	}

	// Known users are served from the store without the directory.
	rr = serve(mux, http.MethodGet, "/v1/users/seller", token, "")
	if rr.Code != http.StatusOK {
		t.Errorf("local user status = %d", rr.Code)
	}
}
