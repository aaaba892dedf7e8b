package sale

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/clock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/eligibility"
	errordefs "github.com/RegistryAccord/registryaccord-market-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-market-go/internal/event"
	"github.com/RegistryAccord/registryaccord-market-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-market-go/internal/lock"
	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/RegistryAccord/registryaccord-market-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-market-go/internal/pricing"
	"github.com/RegistryAccord/registryaccord-market-go/internal/storage"
	"github.com/shopspring/decimal"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   storage.Store
	clock   *clock.Manual
	gateway *payment.Sandbox
	events  *event.Recorder
	ledger  *ledger.Ledger
	orch    *Orchestrator
}

type fixtureSetup struct {
	cfg     Config
	store   storage.Store
	gateway func(*payment.Sandbox) payment.Gateway
}

type fixtureOption func(*fixtureSetup)

func withRatio(r string) fixtureOption {
	return func(s *fixtureSetup) { s.cfg.RewardRatio = decimal.RequireFromString(r) }
}

func withAttempts(n int) fixtureOption {
	return func(s *fixtureSetup) { s.cfg.RewardAttempts = n }
}

func withTimeout(d time.Duration) fixtureOption {
	return func(s *fixtureSetup) { s.cfg.Timeout = d }
}

func withStore(wrap func(storage.Store) storage.Store) fixtureOption {
	return func(s *fixtureSetup) { s.store = wrap(s.store) }
}

func withGateway(wrap func(*payment.Sandbox) payment.Gateway) fixtureOption {
	return func(s *fixtureSetup) { s.gateway = wrap }
}

// newFixture seeds users A (seller), B (buyer) and C, and video v1 owned by A listed at price HKD.
func newFixture(t *testing.T, price string, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	var store storage.Store = storage.NewMemory()
	for _, u := range []string{"A", "B", "C"} {
		if err := store.CreateUser(ctx, model.User{ID: u, Username: u, Wallet: model.Wallet{Address: "0x" + u}}); err != nil {
			t.Fatal(err)
		}
	}
	video := model.Video{ID: "v1", Title: "Sunset", OwnerID: "A"}
	if price != "" {
		video.SalesInfo = &model.SalesInfo{Price: decimal.RequireFromString(price), Unit: "HKD"}
	}
	if err := store.CreateVideo(ctx, video); err != nil {
		t.Fatal(err)
	}

	setup := fixtureSetup{
		cfg:   Config{Timeout: 5 * time.Second, RewardRatio: decimal.RequireFromString("0.1"), RewardAttempts: 3},
		store: store,
	}
	for _, opt := range opts {
		opt(&setup)
	}
	store = setup.store

	f := &fixture{
		store:   store,
		clock:   clock.NewManual(start),
		gateway: payment.NewSandbox(),
		events:  event.NewRecorder(),
	}
	var gateway payment.Gateway = f.gateway
	if setup.gateway != nil {
		gateway = setup.gateway(f.gateway)
	}
	f.ledger = ledger.New(store, ledger.Config{}, f.clock)
	f.orch = New(setup.cfg, Deps{
		Store:   store,
		Checker: eligibility.NewChecker(f.clock, nil),
		Locks:   lock.NewManager(lock.Config{Duration: 30 * time.Minute}, f.clock),
		Pricing: pricing.NewResolver(pricing.Config{FiatUnit: "HKD", TokenUnit: "VTK"}),
		Ledger:  f.ledger,
		Gateway: gateway,
		Events:  f.events,
		Clock:   f.clock,
	})
	return f
}

func (f *fixture) lockBy(t *testing.T, buyer string, until time.Time) {
	t.Helper()
	err := storage.WithTx(context.Background(), f.store, func(tx storage.Tx) error {
		return tx.UpsertSalesLock(context.Background(), model.SalesLockInfo{VideoID: "v1", LockedBy: buyer, LockUntil: until})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) credit(t *testing.T, user, amount string) {
	t.Helper()
	err := storage.WithTx(context.Background(), f.store, func(tx storage.Tx) error {
		_, err := f.ledger.Reward(context.Background(), tx, user, "", decimal.RequireFromString(amount))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) history(t *testing.T) []model.TransactionHistory {
	t.Helper()
	rows, err := f.store.ListTransactionHistory(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func (f *fixture) owner(t *testing.T) string {
	t.Helper()
	video, err := f.store.GetVideo(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	return video.OwnerID
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func wantReason(t *testing.T, err error, reason string) *BusinessError {
	t.Helper()
	var be *BusinessError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want business error %q", err, reason)
	}
	if be.Reason != reason {
		t.Fatalf("reason = %q, want %q", be.Reason, reason)
	}
	return be
}

func TestCreateTransaction(t *testing.T) {
	f := newFixture(t, "1")
	ctx := context.Background()

	receipt, err := f.orch.CreateTransaction(ctx, payment.NonceValid, "v1", "B")
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if receipt.Value != "1.00 HKD" {
		t.Errorf("Value = %q, want %q", receipt.Value, "1.00 HKD")
	}
	if receipt.FromID != "A" || receipt.ToID != "B" {
		t.Errorf("From/To = %s/%s, want A/B", receipt.FromID, receipt.ToID)
	}
	if !receipt.Price.Equal(decimal.NewFromInt(1)) || receipt.Unit != "HKD" {
		t.Errorf("Price = %s %s, want 1 HKD", receipt.Price, receipt.Unit)
	}

	charges := f.gateway.Charges()
	if len(charges) != 1 || charges[0].Reference != receipt.TxHash {
		t.Fatalf("charges = %+v, want one with reference %s", charges, receipt.TxHash)
	}
	if got := f.owner(t); got != "B" {
		t.Errorf("owner = %s, want B", got)
	}
	if rows := f.history(t); len(rows) != 1 {
		t.Errorf("history rows = %d, want 1", len(rows))
	}

	video, _ := f.store.GetVideo(ctx, "v1")
	if video.SalesInfo != nil || video.SalesLock != nil {
		t.Errorf("listing and lock should be cleared, got %+v / %+v", video.SalesInfo, video.SalesLock)
	}
	if got := f.balance(t, "A"); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("seller reward balance = %s, want 0.1", got)
	}

	txs, rewards, _ := f.events.Counts()
	if txs != 1 || rewards != 1 {
		t.Errorf("events = %d transactions, %d rewards, want 1 and 1", txs, rewards)
	}
}

func TestCreateTransactionLockedByOtherBuyer(t *testing.T) {
	f := newFixture(t, "1")
	f.lockBy(t, "C", start.Add(30*time.Minute))

	_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B")
	wantReason(t, err, eligibility.ReasonLocked)

	if rows := f.history(t); len(rows) != 0 {
		t.Errorf("history rows = %d, want 0", len(rows))
	}
	if n, _ := f.store.CountSalesLocks(context.Background()); n != 1 {
		t.Errorf("sales locks = %d, want 1", n)
	}
	if len(f.gateway.Charges()) != 0 {
		t.Errorf("gateway was charged for a locked video")
	}
	if got := f.owner(t); got != "A" {
		t.Errorf("owner = %s, want A", got)
	}
}

func TestCreateTransactionOwnLockOrExpiredLock(t *testing.T) {
	tests := []struct {
		name   string
		holder string
		until  time.Time
	}{
		{"own lock", "B", start.Add(time.Minute)},
		{"lock ended exactly now", "C", start},
		{"expired lock", "C", start.Add(-time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "1")
			f.lockBy(t, tt.holder, tt.until)
			if _, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B"); err != nil {
				t.Fatalf("CreateTransaction() error = %v", err)
			}
			if n, _ := f.store.CountSalesLocks(context.Background()); n != 0 {
				t.Errorf("sales locks = %d, want 0", n)
			}
		})
	}
}

func TestCreateTransactionRejections(t *testing.T) {
	tests := []struct {
		name    string
		price   string
		nonce   string
		videoID string
		buyerID string
		reason  string
		code    errordefs.ErrorCode
	}{
		{"missing nonce", "1", " ", "v1", "B", ReasonNonceRequired, errordefs.MKT_BAD_REQUEST},
		{"unknown video", "1", payment.NonceValid, "nope", "B", eligibility.ReasonVideoNotFound, errordefs.MKT_BAD_REQUEST},
		{"unknown buyer", "1", payment.NonceValid, "v1", "Z", eligibility.ReasonBuyerNotFound, errordefs.MKT_BAD_REQUEST},
		{"not listed", "", payment.NonceValid, "v1", "B", eligibility.ReasonNotForSale, errordefs.MKT_BAD_REQUEST},
		{"own video", "1", payment.NonceValid, "v1", "A", ReasonAlreadyOwned, errordefs.MKT_BAD_REQUEST},
		{"declined", "1", payment.NonceDeclined, "v1", "B", "Processor declined", errordefs.MKT_PAYMENT_DECLINED},
		{"gateway failure", "1", payment.NonceGatewayFailed, "v1", "B", "Payment gateway error: payment gateway unavailable", errordefs.MKT_PAYMENT_DECLINED},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.price)
			_, err := f.orch.CreateTransaction(context.Background(), tt.nonce, tt.videoID, tt.buyerID)
			be := wantReason(t, err, tt.reason)
			if be.ErrorCode() != tt.code {
				t.Errorf("code = %s, want %s", be.ErrorCode(), tt.code)
			}
			if got := errordefs.Translate(err, "c").Message; got != tt.reason {
				t.Errorf("translated message = %q, want %q", got, tt.reason)
			}
			if rows := f.history(t); len(rows) != 0 {
				t.Errorf("history rows = %d, want 0", len(rows))
			}
			if got := f.owner(t); got != "A" {
				t.Errorf("owner = %s, want A", got)
			}
			if pending, _ := f.store.ListPendingRewards(context.Background(), 0); len(pending) != 0 {
				t.Errorf("pending rewards = %d, want 0", len(pending))
			}
		})
	}
}

func TestCreateTransactionRewardRatio(t *testing.T) {
	f := newFixture(t, "100", withRatio("0.1"))
	if _, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B"); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if got := f.balance(t, "A"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("seller balance = %s, want 10", got)
	}
	if f.events.Rewards[0].TransactionID == "" {
		t.Errorf("reward event has no transaction id")
	}
}

func TestCreateTransactionZeroRatioQueuesNoReward(t *testing.T) {
	f := newFixture(t, "100", withRatio("0"))
	if _, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B"); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if got := f.balance(t, "A"); !got.IsZero() {
		t.Errorf("seller balance = %s, want 0", got)
	}
}

func TestCreateTransactionWithToken(t *testing.T) {
	f := newFixture(t, "1")
	f.credit(t, "B", "5")

	receipt, err := f.orch.CreateTransactionWithToken(context.Background(), "v1", "B")
	if err != nil {
		t.Fatalf("CreateTransactionWithToken() error = %v", err)
	}
	if receipt.Value != "1 VTK" {
		t.Errorf("Value = %q, want %q", receipt.Value, "1 VTK")
	}
	if receipt.TxHash == "" {
		t.Errorf("TxHash is empty, want the ledger reference")
	}
	if got := f.balance(t, "B"); !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("buyer balance = %s, want 4", got)
	}
	if got := f.owner(t); got != "B" {
		t.Errorf("owner = %s, want B", got)
	}
	if len(f.gateway.Charges()) != 0 {
		t.Errorf("token sale charged the gateway")
	}
}

func TestCreateTransactionWithTokenInsufficientBalance(t *testing.T) {
	f := newFixture(t, "10")
	f.credit(t, "B", "2")

	_, err := f.orch.CreateTransactionWithToken(context.Background(), "v1", "B")
	wantReason(t, err, ReasonInsufficientBalance)

	if got := f.balance(t, "B"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("buyer balance = %s, want 2", got)
	}
	if got := f.owner(t); got != "A" {
		t.Errorf("owner = %s, want A", got)
	}
}

// failingCommit aborts every unit of work at commit time.
type failingCommit struct{ storage.Store }

func (s failingCommit) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{tx}, nil
}

type failingTx struct{ storage.Tx }

func (t failingTx) Commit(ctx context.Context) error {
	_ = t.Tx.Rollback(ctx)
	return storage.ErrSerialization
}

func TestCreateTransactionCommitFailureVoidsCharge(t *testing.T) {
	f := newFixture(t, "1", withStore(func(s storage.Store) storage.Store { return failingCommit{s} }))

	_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B")
	if !errors.Is(err, storage.ErrSerialization) {
		t.Fatalf("error = %v, want ErrSerialization", err)
	}
	if got := errordefs.Translate(err, "c").Code; got != errordefs.MKT_CONFLICT {
		t.Errorf("translated code = %s, want MKT_CONFLICT", got)
	}

	charges := f.gateway.Charges()
	if len(charges) != 1 || !charges[0].Voided {
		t.Fatalf("charges = %+v, want one voided charge", charges)
	}
	if got := f.owner(t); got != "A" {
		t.Errorf("owner = %s, want A", got)
	}
	if txs, _, _ := f.events.Counts(); txs != 0 {
		t.Errorf("transaction events = %d, want 0", txs)
	}
}

// stalledGateway holds every charge until the caller gives up.
type stalledGateway struct{ *payment.Sandbox }

func (stalledGateway) Charge(ctx context.Context, _ decimal.Decimal, _, _ string) (payment.ChargeResult, error) {
	<-ctx.Done()
	return payment.ChargeResult{}, ctx.Err()
}

func TestCreateTransactionTimeoutAbortsUnitOfWork(t *testing.T) {
	f := newFixture(t, "1",
		withTimeout(50*time.Millisecond),
		withGateway(func(s *payment.Sandbox) payment.Gateway { return stalledGateway{s} }),
	)

	_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	var be *BusinessError
	if errors.As(err, &be) {
		t.Fatalf("error = %v, want a timeout, not a rejection", err)
	}
	if got := errordefs.KindOf(err); got != errordefs.KindTimeout {
		t.Errorf("KindOf() = %s, want timeout", got)
	}
	if got := errordefs.Translate(err, "c").Code; got != errordefs.MKT_TIMEOUT {
		t.Errorf("translated code = %s, want MKT_TIMEOUT", got)
	}
	if rows := f.history(t); len(rows) != 0 {
		t.Errorf("history rows = %d, want 0", len(rows))
	}
	if got := f.owner(t); got != "A" {
		t.Errorf("owner = %s, want A", got)
	}

	// The rollback released the video row.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = storage.WithTx(ctx, f.store, func(tx storage.Tx) error {
		_, err := tx.LockVideo(ctx, "v1")
		return err
	})
	if err != nil {
		t.Errorf("LockVideo() after timeout error = %v", err)
	}
}

// unreachableUsers fails user reads made inside a unit of work.
type unreachableUsers struct{ storage.Store }

func (s unreachableUsers) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return unreachableUsersTx{tx}, nil
}

type unreachableUsersTx struct{ storage.Tx }

func (unreachableUsersTx) GetUser(context.Context, string) (*model.User, error) {
	return nil, fmt.Errorf("get user: %w", storage.ErrUnavailable)
}

func TestCreateTransactionStoreFailureIsNotARejection(t *testing.T) {
	f := newFixture(t, "1", withStore(func(s storage.Store) storage.Store { return unreachableUsers{s} }))

	_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	var be *BusinessError
	if errors.As(err, &be) {
		t.Fatalf("error = %v, want a store failure, not a rejection", err)
	}
	translated := errordefs.Translate(err, "c")
	if translated.Code != errordefs.MKT_UNAVAILABLE {
		t.Errorf("translated code = %s, want MKT_UNAVAILABLE", translated.Code)
	}
	if translated.Message == eligibility.ReasonInternal {
		t.Errorf("translated message = %q, want a store failure", translated.Message)
	}
	if charges := f.gateway.Charges(); len(charges) != 0 {
		t.Errorf("charges = %d, want 0", len(charges))
	}
	if rows := f.history(t); len(rows) != 0 {
		t.Errorf("history rows = %d, want 0", len(rows))
	}
}

// unreferencedGateway reports success without a charge reference.
type unreferencedGateway struct{ *payment.Sandbox }

func (unreferencedGateway) Charge(context.Context, decimal.Decimal, string, string) (payment.ChargeResult, error) {
	return payment.ChargeResult{Success: true}, nil
}

func TestCreateTransactionRequiresChargeReference(t *testing.T) {
	f := newFixture(t, "1", withGateway(func(s *payment.Sandbox) payment.Gateway { return unreferencedGateway{s} }))

	_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, "v1", "B")
	if !errors.Is(err, ErrMissingChargeReference) {
		t.Fatalf("error = %v, want ErrMissingChargeReference", err)
	}
	if got := errordefs.Translate(err, "c").Code; got != errordefs.MKT_INTERNAL {
		t.Errorf("translated code = %s, want MKT_INTERNAL", got)
	}
	if rows := f.history(t); len(rows) != 0 {
		t.Errorf("history rows = %d, want 0", len(rows))
	}
	if got := f.owner(t); got != "A" {
		t.Errorf("owner = %s, want A", got)
	}
}

// countingReads counts unit-of-work openings.
type countingReads struct {
	storage.Store
	begins *int
}

func (s countingReads) Begin(ctx context.Context) (storage.Tx, error) {
	*s.begins++
	return s.Store.Begin(ctx)
}

func TestCreateTransactionFailsFastOnMissingInputs(t *testing.T) {
	tests := []struct {
		name    string
		videoID string
		buyerID string
		reason  string
	}{
		{"unknown video", "nope", "B", eligibility.ReasonVideoNotFound},
		{"unknown buyer", "v1", "Z", eligibility.ReasonBuyerNotFound},
		{"unknown video and buyer", "nope", "Z", eligibility.ReasonVideoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var begins int
			f := newFixture(t, "1", withStore(func(s storage.Store) storage.Store { return countingReads{s, &begins} }))

			_, err := f.orch.CreateTransaction(context.Background(), payment.NonceValid, tt.videoID, tt.buyerID)
			wantReason(t, err, tt.reason)
			if begins != 0 {
				t.Errorf("units of work opened = %d, want 0", begins)
			}
		})
	}
}

func TestConcurrentPurchasesSellOnce(t *testing.T) {
	f := newFixture(t, "1")
	ctx := context.Background()

	errs := make(chan error, 2)
	for _, buyer := range []string{"B", "C"} {
		go func(buyer string) {
			_, err := f.orch.CreateTransaction(ctx, payment.NonceValid, "v1", buyer)
			errs <- err
		}(buyer)
	}

	var ok, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		var be *BusinessError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &be):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok = %d, rejected = %d, want 1 and 1", ok, rejected)
	}
	if rows := f.history(t); len(rows) != 1 {
		t.Errorf("history rows = %d, want 1", len(rows))
	}
}

func TestPrecheckTransaction(t *testing.T) {
	f := newFixture(t, "1")
	f.lockBy(t, "C", start.Add(time.Minute))

	if got := f.orch.PrecheckTransaction(context.Background(), "v1", "B", "A"); got.Allowed || got.Reason != eligibility.ReasonLocked {
		t.Errorf("PrecheckTransaction(B) = %+v, want locked", got)
	}
	if got := f.orch.PrecheckTransaction(context.Background(), "v1", "C", "A"); !got.Allowed {
		t.Errorf("PrecheckTransaction(C) = %+v, want allowed", got)
	}
}

func TestGetPaymentInfo(t *testing.T) {
	f := newFixture(t, "1.5")
	ctx := context.Background()

	info, err := f.orch.GetPaymentInfo(ctx, "v1", "B", model.PaymentFiat)
	if err != nil {
		t.Fatalf("GetPaymentInfo() error = %v", err)
	}
	if info.Total.Display != "1.50 HKD" {
		t.Errorf("Total = %q, want %q", info.Total.Display, "1.50 HKD")
	}

	tests := []struct {
		name    string
		videoID string
		method  model.PaymentMethod
		reason  string
	}{
		{"unknown method", "v1", "cash", ReasonUnknownMethod},
		{"unknown video", "nope", model.PaymentFiat, eligibility.ReasonVideoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.GetPaymentInfo(ctx, tt.videoID, "B", tt.method)
			wantReason(t, err, tt.reason)
		})
	}
}

func TestClientToken(t *testing.T) {
	f := newFixture(t, "1")
	token, err := f.orch.ClientToken(context.Background())
	if err != nil || token == "" {
		t.Fatalf("ClientToken() = %q, %v", token, err)
	}
}
