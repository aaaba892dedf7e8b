package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Nonces understood by the sandbox.
const (
	NonceValid         = "fake-valid-nonce"
	NonceDeclined      = "fake-processor-declined-nonce"
	NonceGatewayFailed = "fake-gateway-rejected-nonce"
)

// ErrGatewayUnavailable is returned by the sandbox for NonceGatewayFailed.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Charge is a capture recorded by the sandbox.
type Charge struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Nonce     string
	Voided    bool
}

// Sandbox implements Gateway in memory for development and testing.
// Any nonce other than the declined and failing ones succeeds.
type Sandbox struct {
	mu      sync.Mutex
	charges map[string]*Charge
	order   []string
}

// NewSandbox creates a new sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{charges: make(map[string]*Charge)}
}

func (s *Sandbox) GenerateClientToken(ctx context.Context) (string, error) {
	ref, err := generateReference()
	if err != nil {
		return "", err
	}
	return "sandbox_" + ref, nil
}

func (s *Sandbox) Charge(ctx context.Context, amount decimal.Decimal, currency, nonce string) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	switch nonce {
	case NonceDeclined:
		return ChargeResult{Success: false, Message: "Processor declined"}, nil
	case NonceGatewayFailed:
		return ChargeResult{}, ErrGatewayUnavailable
	}

	ref, err := generateReference()
	if err != nil {
		return ChargeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[ref] = &Charge{Reference: ref, Amount: amount, Currency: currency, Nonce: nonce}
	s.order = append(s.order, ref)
	return ChargeResult{Success: true, Reference: ref, Message: "Approved"}, nil
}

func (s *Sandbox) Void(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.charges[reference]
	if !ok {
		return fmt.Errorf("unknown transaction %s", reference)
	}
	c.Voided = true
	return nil
}

// Charges returns the recorded captures in order.
func (s *Sandbox) Charges() []Charge {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Charge, 0, len(s.order))
	for _, ref := range s.order {
		out = append(out, *s.charges[ref])
	}
	return out
}

func generateReference() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
