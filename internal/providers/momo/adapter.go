// Package momo collects payments through the regional mobile money
// providers via push-to-pay, with a manual USSD fallback when a provider is
// unreachable or not configured.
package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/ledger/domain"
	"paycore/internal/providers"
)

// Config holds one mobile money provider's credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	MerchantID string
	Timeout    time.Duration
}

// Configured reports whether the provider can be called.
func (c Config) Configured() bool {
	return c.BaseURL != "" && c.APIKey != "" && c.MerchantID != ""
}

// ussdCodes are the dial strings for manual payment per provider.
var ussdCodes = map[domain.Provider]string{
	domain.ProviderOrangeMoney: "#144#",
	domain.ProviderAfrimoney:   "*161#",
	domain.ProviderQMoney:      "*155#",
}

type pushRequest struct {
	Reference  string `json:"reference"`
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	PayerPhone string `json:"payer_phone"`
	Narrative  string `json:"narrative,omitempty"`
}

type pushResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// Adapter implements one mobile money rail. One instance is created per
// provider since the three share the push-to-pay shape.
type Adapter struct {
	provider   domain.Provider
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a mobile money adapter for the given rail.
func NewAdapter(provider domain.Provider, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{
		provider:   provider,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Name returns the rail identifier.
func (a *Adapter) Name() domain.Provider {
	return a.provider
}

// Initiate sends a push-to-pay request to the customer's phone. When the
// provider is not configured or unreachable the error wraps ErrUnavailable
// and callers hand the customer manual USSD instructions instead.
func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment, payer providers.Payer) (*providers.Initiation, error) {
	if payer.Phone == "" {
		return nil, fmt.Errorf("payer phone required for %s", a.provider)
	}
	if !a.config.Configured() {
		return nil, fmt.Errorf("%s not configured: %w", a.provider, providers.ErrUnavailable)
	}

	reference := "MM-" + ulid.Make().String()
	req := pushRequest{
		Reference:  reference,
		MerchantID: a.config.MerchantID,
		Amount:     payment.Amount.AmountMinor,
		Currency:   string(payment.Amount.Currency),
		PayerPhone: payer.Phone,
		Narrative:  "Order " + payment.OrderID,
	}

	a.logger.Info("sending push-to-pay",
		"provider", a.provider,
		"payment_id", payment.ID,
		"reference", reference,
		"amount", payment.Amount.AmountMinor,
	)

	resp, err := a.push(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s push: %w: %w", a.provider, err, providers.ErrUnavailable)
	}

	a.logger.Info("push-to-pay accepted",
		"provider", a.provider,
		"payment_id", payment.ID,
		"transaction_id", resp.TransactionID,
	)

	return &providers.Initiation{
		ProviderTransactionID: resp.TransactionID,
		Reference:             reference,
		Instructions:          "Approve the payment prompt on your phone to complete the transaction.",
	}, nil
}

func (a *Adapter) push(ctx context.Context, req pushRequest) (*pushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/collections", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s api error: status=%d body=%s", a.provider, httpResp.StatusCode, string(respBody))
	}

	var resp pushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Cancel has no provider-side void path for push-to-pay: an unanswered
// prompt expires on its own.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	return nil
}

// ManualInstructions builds the USSD fallback text handed to the customer
// when the provider cannot be reached.
func ManualInstructions(provider domain.Provider, amount int64, currency, reference string) string {
	code, ok := ussdCodes[provider]
	if !ok {
		code = "your provider's payment menu"
	}
	return fmt.Sprintf(
		"Dial %s, choose Pay Merchant, enter amount %d %s and reference %s. Your order is confirmed once the payment is verified.",
		code, amount, currency, reference,
	)
}

// CallbackPayload is the mobile money providers' callback body. The three
// providers post the same shape with provider-specific status vocabularies.
type CallbackPayload struct {
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	PaymentID     string    `json:"payment_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ParseCallback decodes a callback body into the canonical event for the
// given rail.
func ParseCallback(provider domain.Provider, body []byte) (*providers.CallbackEvent, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	return &providers.CallbackEvent{
		Provider:              provider,
		PaymentID:             payload.PaymentID,
		ProviderTransactionID: payload.TransactionID,
		RawStatus:             payload.Status,
		FailureReason:         payload.Reason,
		OccurredAt:            payload.Timestamp,
	}, nil
}
