// Package conformance provides a test harness for verifying marketplace implementation compliance.
// It runs the full sale stack behind a real HTTP server and checks the observable contract.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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
	"github.com/RegistryAccord/registryaccord-market-go/internal/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

// Harness provides a test harness for marketplace conformance testing.
type Harness struct {
	server  *httptest.Server
	store   storage.Store
	events  *event.Recorder
	gateway *payment.Sandbox
	sales   *sale.Orchestrator
	jwks    *jwks.Client
	cfg     Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// FiatUnit is the currency listings are priced in
	FiatUnit string

	// RewardRatio is the seller reward ratio, as a decimal string
	RewardRatio string

	// LockDuration is how long a reservation holds a video
	LockDuration time.Duration
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.FiatUnit == "" {
		cfg.FiatUnit = "HKD"
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Minute
	}
	ratio, err := decimal.NewFromString(cfg.RewardRatio)
	if err != nil {
		return nil, fmt.Errorf("invalid reward ratio %q: %w", cfg.RewardRatio, err)
	}

	store := storage.NewMemory()
	events := event.NewRecorder()
	gateway := payment.NewSandbox()
	clk := clock.System
	ldg := ledger.New(store, ledger.Config{}, clk)
	orch := sale.New(sale.Config{RewardRatio: ratio, RewardAttempts: 3}, sale.Deps{
		Store:   store,
		Checker: eligibility.NewChecker(clk, nil),
		Locks:   lock.NewManager(lock.Config{Duration: cfg.LockDuration}, clk),
		Pricing: pricing.NewResolver(pricing.Config{FiatUnit: cfg.FiatUnit, TokenUnit: "VTK"}),
		Ledger:  ldg,
		Gateway: gateway,
		Events:  events,
		Clock:   clk,
	})

	jwksClient := jwks.NewTestClient()
	mux, err := server.NewMux(server.Options{
		Store:       store,
		Sales:       orch,
		Ledger:      ldg,
		Directory:   directory.NewResolver(store, nil, nil),
		JWKS:        jwksClient,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mux: %w", err)
	}

	return &Harness{
		server:  httptest.NewServer(mux),
		store:   store,
		events:  events,
		gateway: gateway,
		sales:   orch,
		jwks:    jwksClient,
		cfg:     cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
}

// RunConformanceTests runs all conformance tests against the marketplace implementation.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("FiatSale", h.testFiatSale)
	t.Run("TokenSale", h.testTokenSale)
	t.Run("Reservation", h.testReservation)
	t.Run("ConcurrentBuyers", h.testConcurrentBuyers)
	t.Run("RewardRelay", h.testRewardRelay)
}

// RunAcceptanceTests runs acceptance tests for the HTTP contract.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("AuthCompliance", h.testAuthCompliance)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("EventingCompliance", h.testEventingCompliance)
}

// seed creates the users and one video owned by seller listed at price.
func (h *Harness) seed(t *testing.T, videoID, seller, price string, buyers ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range append([]string{seller}, buyers...) {
		if _, err := h.store.GetUser(ctx, id); err == nil {
			continue
		}
		if err := h.store.CreateUser(ctx, model.User{ID: id, Username: id, Wallet: model.Wallet{Address: "0x" + id}}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	video := model.Video{ID: videoID, Title: videoID, OwnerID: seller}
	if price != "" {
		video.SalesInfo = &model.SalesInfo{Price: decimal.RequireFromString(price), Unit: h.cfg.FiatUnit}
	}
	if err := h.store.CreateVideo(ctx, video); err != nil {
		t.Fatalf("seed video %s: %v", videoID, err)
	}
}

func (h *Harness) token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := h.jwks.SignToken(jwt.MapClaims{
		"sub": sub,
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type response struct {
	status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

// call performs an authenticated request. An empty sub sends no token.
func (h *Harness) call(t *testing.T, method, path, sub, body string) response {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, sub))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := response{status: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: invalid body %q: %v", method, path, raw, err)
		}
	}
	return out
}

func (h *Harness) ownerOf(t *testing.T, videoID string) string {
	t.Helper()
	video, err := h.store.GetVideo(context.Background(), videoID)
	if err != nil {
		t.Fatal(err)
	}
	return video.OwnerID
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testFiatSale checks a card purchase transfers ownership and records history.
func (h *Harness) testFiatSale(t *testing.T) {
	h.seed(t, "fiat-1", "seller-f", "12.5", "buyer-f")

	res := h.call(t, http.MethodPost, "/v1/transactions", "buyer-f", `{"videoId":"fiat-1","paymentNonce":"fake-valid-nonce"}`)
	if res.status != http.StatusOK {
		t.Fatalf("sale status = %d, error %+v", res.status, res.Error)
	}
	var receipt model.TransactionReceipt
	if err := json.Unmarshal(res.Data, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Value != "12.50 "+h.cfg.FiatUnit {
		t.Errorf("value = %q", receipt.Value)
	}
	if owner := h.ownerOf(t, "fiat-1"); owner != "buyer-f" {
		t.Errorf("owner = %s, want buyer-f", owner)
	}

	rows, _ := h.store.ListTransactionHistory(context.Background(), "fiat-1")
	if len(rows) != 1 || rows[0].FromID != "seller-f" || rows[0].ToID != "buyer-f" {
		t.Errorf("history = %+v", rows)
	}

	// Reselling requires a new listing.
	res = h.call(t, http.MethodPost, "/v1/transactions", "seller-f", `{"videoId":"fiat-1","paymentNonce":"fake-valid-nonce"}`)
	if res.status != http.StatusBadRequest || res.Error.Message != eligibility.ReasonNotForSale {
		t.Errorf("resale = %d %+v, want %q", res.status, res.Error, eligibility.ReasonNotForSale)
	}
}

// testTokenSale checks that a seller can spend earned rewards.
func (h *Harness) testTokenSale(t *testing.T) {
	h.seed(t, "token-1", "seller-t", "10", "buyer-t")
	h.seed(t, "token-2", "buyer-t", "1")

	if res := h.call(t, http.MethodPost, "/v1/transactions", "buyer-t", `{"videoId":"token-1","paymentNonce":"fake-valid-nonce"}`); res.status != http.StatusOK {
		t.Fatalf("fiat sale status = %d", res.status)
	}

	// seller-t earned the reward on token-1 and pays for token-2 with it.
	res := h.call(t, http.MethodPost, "/v1/transactions/token", "seller-t", `{"videoId":"token-2"}`)
	if res.status != http.StatusOK {
		t.Fatalf("token sale status = %d, error %+v", res.status, res.Error)
	}
	if owner := h.ownerOf(t, "token-2"); owner != "seller-t" {
		t.Errorf("owner = %s, want seller-t", owner)
	}

	balance, err := h.store.TokenBalance(context.Background(), "seller-t")
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString(h.cfg.RewardRatio).Mul(decimal.NewFromInt(10)).Sub(decimal.NewFromInt(1)); !balance.Equal(want) {
		t.Errorf("balance = %s, want %s", balance, want)
	}
}

// testReservation checks that a reservation blocks other buyers only.
func (h *Harness) testReservation(t *testing.T) {
	h.seed(t, "lock-1", "seller-l", "3", "buyer-l1", "buyer-l2")

	if res := h.call(t, http.MethodPost, "/v1/videos/reserve", "buyer-l1", `{"videoId":"lock-1"}`); res.status != http.StatusOK {
		t.Fatalf("reserve status = %d, error %+v", res.status, res.Error)
	}

	res := h.call(t, http.MethodPost, "/v1/transactions", "buyer-l2", `{"videoId":"lock-1","paymentNonce":"fake-valid-nonce"}`)
	if res.status != http.StatusBadRequest || res.Error.Message != eligibility.ReasonLocked {
		t.Fatalf("competing sale = %d %+v, want %q", res.status, res.Error, eligibility.ReasonLocked)
	}
	if charges := len(h.gateway.Charges()); charges != 0 {
		t.Errorf("charges after a locked sale = %d, want 0", charges)
	}

	if res := h.call(t, http.MethodPost, "/v1/transactions", "buyer-l1", `{"videoId":"lock-1","paymentNonce":"fake-valid-nonce"}`); res.status != http.StatusOK {
		t.Fatalf("holder sale status = %d, error %+v", res.status, res.Error)
	}
	video, _ := h.store.GetVideo(context.Background(), "lock-1")
	if video.SalesLock != nil {
		t.Errorf("lock survived the sale: %+v", video.SalesLock)
	}
}

// testConcurrentBuyers checks that concurrent purchases of one video transfer it exactly once.
func (h *Harness) testConcurrentBuyers(t *testing.T) {
	const buyers = 8
	names := make([]string, buyers)
	for i := range names {
		names[i] = fmt.Sprintf("racer-%d", i)
	}
	h.seed(t, "race-1", "seller-r", "5", names...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.call(t, http.MethodPost, "/v1/transactions", name, `{"videoId":"race-1","paymentNonce":"fake-valid-nonce"}`)
			mu.Lock()
			statuses[res.status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[http.StatusOK] != 1 {
		t.Errorf("successful sales = %d, want 1 (statuses %v)", statuses[http.StatusOK], statuses)
	}
	rows, _ := h.store.ListTransactionHistory(context.Background(), "race-1")
	if len(rows) != 1 {
		t.Errorf("history rows = %d, want 1", len(rows))
	}
}

// testRewardRelay checks that the relay drains rewards left pending.
func (h *Harness) testRewardRelay(t *testing.T) {
	ctx := context.Background()
	h.seed(t, "relay-1", "seller-x", "1")
	err := storage.WithTx(ctx, h.store, func(tx storage.Tx) error {
		return tx.CreatePendingReward(ctx, model.PendingReward{
			ID:            "relay-reward",
			TransactionID: "relay-tx",
			UserID:        "seller-x",
			VideoID:       "relay-1",
			Amount:        decimal.RequireFromString("0.5"),
			Status:        model.RewardPending,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	relay := worker.RewardRelay{Outbox: h.store, Applier: h.sales}
	if err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	balance, _ := h.store.TokenBalance(ctx, "seller-x")
	if !balance.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("balance = %s, want 0.5", balance)
	}
	if pending, _ := h.store.ListPendingRewards(ctx, 0); len(pending) != 0 {
		t.Errorf("pending rewards = %d, want 0", len(pending))
	}
}

// testAuthCompliance checks every market endpoint requires a bearer token.
func (h *Harness) testAuthCompliance(t *testing.T) {
	endpoints := []struct{ method, path string }{
		{http.MethodPost, "/v1/transactions"},
		{http.MethodPost, "/v1/transactions/token"},
		{http.MethodGet, "/v1/transactions/precheck"},
		{http.MethodGet, "/v1/transactions/history"},
		{http.MethodGet, "/v1/payments/info"},
		{http.MethodGet, "/v1/payments/clientToken"},
		{http.MethodPost, "/v1/videos/reserve"},
		{http.MethodPost, "/v1/videos/listing"},
		{http.MethodPost, "/v1/videos/unlist"},
		{http.MethodPost, "/v1/videos/uploadInit"},
		{http.MethodGet, "/v1/videos/assetURL"},
		{http.MethodGet, "/v1/tokens/balance"},
		{http.MethodGet, "/v1/tokens/history"},
		{http.MethodGet, "/v1/users/anyone"},
	}
	for _, ep := range endpoints {
		res := h.call(t, ep.method, ep.path, "", "{}")
		if res.status != http.StatusUnauthorized || res.Error == nil || res.Error.Code != "MKT_AUTHN" {
			t.Errorf("%s %s without token = %d %+v, want 401 MKT_AUTHN", ep.method, ep.path, res.status, res.Error)
		}
	}
}

// testErrorEnvelope checks rejections carry the code, message and correlation id.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	res := h.call(t, http.MethodPost, "/v1/transactions", "nobody", `{"videoId":"missing","paymentNonce":"fake-valid-nonce"}`)
	if res.status != http.StatusBadRequest || res.Error == nil {
		t.Fatalf("status = %d, error %+v", res.status, res.Error)
	}
	if res.Error.Code != "MKT_BAD_REQUEST" || res.Error.Message != eligibility.ReasonVideoNotFound || res.Error.CorrelationID == "" {
		t.Errorf("error = %+v", res.Error)
	}

	res = h.call(t, http.MethodPost, "/v1/transactions", "nobody", `{"videoId":"missing","extra":true}`)
	if res.status != http.StatusBadRequest || res.Error == nil || res.Error.Code != "MKT_VALIDATION" {
		t.Errorf("invalid body = %d %+v, want MKT_VALIDATION", res.status, res.Error)
	}
}

// testEventingCompliance checks completed sales were announced.
func (h *Harness) testEventingCompliance(t *testing.T) {
	created, rewards, reservations := h.events.Counts()
	if created == 0 || rewards == 0 || reservations == 0 {
		t.Errorf("events created=%d rewards=%d reservations=%d, want all non-zero", created, rewards, reservations)
	}
}
