package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPConfig holds configuration for the HTTP gateway client.
type HTTPConfig struct {
	BaseURL     string
	MerchantKey string
	Timeout     time.Duration
}

// HTTPGateway implements Gateway against the gateway's JSON API.
type HTTPGateway struct {
	baseURL     string
	merchantKey string
	httpClient  *http.Client
}

type clientTokenResponse struct {
	ClientToken string `json:"clientToken"`
}

type saleRequest struct {
	Amount              string `json:"amount"`
	Currency            string `json:"currency"`
	PaymentMethodNonce  string `json:"paymentMethodNonce"`
	SubmitForSettlement bool   `json:"submitForSettlement"`
}

type saleResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Transaction struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"transaction"`
}

// NewHTTPGateway creates a gateway client. The merchant key is sent as a bearer token.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.MerchantKey == "" {
		return nil, fmt.Errorf("merchant key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGateway{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		merchantKey: cfg.MerchantKey,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

func (g *HTTPGateway) GenerateClientToken(ctx context.Context) (string, error) {
	var out clientTokenResponse
	status, body, err := g.post(ctx, "/client_token", struct{}{}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("API returned status %d: %s", status, body)
	}
	if out.ClientToken == "" {
		return "", fmt.Errorf("gateway returned an empty client token")
	}
	return out.ClientToken, nil
}

func (g *HTTPGateway) Charge(ctx context.Context, amount decimal.Decimal, currency, nonce string) (ChargeResult, error) {
	req := saleRequest{
		Amount:              amount.StringFixed(2),
		Currency:            currency,
		PaymentMethodNonce:  nonce,
		SubmitForSettlement: true,
	}
	var out saleResponse
	status, body, err := g.post(ctx, "/transactions/sale", req, &out)
	if err != nil {
		return ChargeResult{}, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		if !out.Success {
			return ChargeResult{Success: false, Reference: out.Transaction.ID, Message: declineMessage(out.Message)}, nil
		}
		return ChargeResult{Success: true, Reference: out.Transaction.ID, Message: out.Message}, nil
	case status == http.StatusPaymentRequired || status == http.StatusUnprocessableEntity:
		return ChargeResult{Success: false, Message: declineMessage(out.Message)}, nil
	default:
		return ChargeResult{}, fmt.Errorf("API returned status %d: %s", status, body)
	}
}

func (g *HTTPGateway) Void(ctx context.Context, reference string) error {
	status, body, err := g.post(ctx, "/transactions/"+url.PathEscape(reference)+"/void", struct{}{}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("API returned status %d: %s", status, body)
	}
	return nil
}

// post sends a JSON request and decodes the JSON response into out when present.
// It returns the status and, for error reporting, the raw body.
func (g *HTTPGateway) post(ctx context.Context, path string, in, out any) (int, string, error) {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.merchantKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, string(raw), fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, string(raw), nil
}

func declineMessage(msg string) string {
	if msg == "" {
		return "Payment declined"
	}
	return msg
}
