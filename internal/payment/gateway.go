// Package payment provides clients for the external fiat payment gateway.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChargeResult is the outcome of a sale charge. A declined charge is a
// result with Success false, not an error.
type ChargeResult struct {
	Success   bool
	Reference string // Gateway transaction ID, recorded as the sale's tx hash
	Message   string // Gateway message, shown to the buyer on decline
}

// Gateway is the payment provider used for fiat purchases.
type Gateway interface {
	// GenerateClientToken returns a token the buyer's client uses to tokenize a card into a nonce.
	GenerateClientToken(ctx context.Context) (string, error)
	// Charge captures amount using the client-supplied nonce.
	Charge(ctx context.Context, amount decimal.Decimal, currency, nonce string) (ChargeResult, error)
	// Void cancels a captured charge that could not be recorded.
	Void(ctx context.Context, reference string) error
}
