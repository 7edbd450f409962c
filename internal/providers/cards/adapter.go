// Package cards collects card payments through the acquiring service over
// NATS request-reply.
package cards

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"paycore/internal/ledger/domain"
	"paycore/internal/providers"
)

// NATS subjects for the acquiring service.
const (
	SubjectIntentCreate = "acquiring.intent.create"
	SubjectIntentVoid   = "acquiring.intent.void"
)

// Config holds card adapter configuration.
type Config struct {
	MerchantID     string        `envconfig:"CARDS_MERCHANT_ID"`
	WebhookSecret  string        `envconfig:"CARDS_WEBHOOK_SECRET"`
	RequestTimeout time.Duration `envconfig:"CARDS_TIMEOUT" default:"30s"`
}

// intentRequest is sent to the acquiring service.
type intentRequest struct {
	TransactionID string         `json:"transactionId"`
	MerchantID    string         `json:"merchantId"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// intentResponse comes back from the acquiring service.
type intentResponse struct {
	Success      bool   `json:"success"`
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
}

// voidRequest is sent to void an unconfirmed intent.
type voidRequest struct {
	TransactionID string `json:"transactionId"`
}

// Adapter implements the card rail.
type Adapter struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// NewAdapter creates a card adapter.
func NewAdapter(cfg Config, nc *nats.Conn, logger *slog.Logger) *Adapter {
	return &Adapter{config: cfg, nc: nc, logger: logger}
}

// Name returns the rail identifier.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderCard
}

// Initiate creates a payment intent at the acquiring service and returns the
// client secret for browser-side confirmation.
func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment, payer providers.Payer) (*providers.Initiation, error) {
	if a.nc == nil || a.config.MerchantID == "" {
		return nil, fmt.Errorf("card acquiring not configured: %w", providers.ErrUnavailable)
	}

	txnID := "TXN-" + ulid.Make().String()

	req := intentRequest{
		TransactionID: txnID,
		MerchantID:    a.config.MerchantID,
		Amount:        payment.Amount.AmountMinor,
		Currency:      string(payment.Amount.Currency),
		Metadata: map[string]any{
			"payment_id": payment.ID,
			"order_id":   payment.OrderID,
		},
	}

	a.logger.Info("creating card intent",
		"payment_id", payment.ID,
		"transaction_id", txnID,
		"amount", payment.Amount.AmountMinor,
	)

	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal intent request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	msg, err := a.nc.RequestWithContext(reqCtx, SubjectIntentCreate, reqData)
	if err != nil {
		return nil, fmt.Errorf("acquiring unreachable: %w: %w", err, providers.ErrUnavailable)
	}

	var resp intentResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal intent response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("intent creation declined: %s - %s", resp.Error, resp.Message)
	}

	a.logger.Info("card intent created",
		"payment_id", payment.ID,
		"transaction_id", txnID,
		"intent_id", resp.IntentID,
	)

	return &providers.Initiation{
		ProviderTransactionID: txnID,
		ClientSecret:          resp.ClientSecret,
	}, nil
}

// Cancel voids a still-unconfirmed card intent.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	if payment.ProviderTransactionID == "" {
		return nil
	}

	reqData, err := json.Marshal(voidRequest{TransactionID: payment.ProviderTransactionID})
	if err != nil {
		return fmt.Errorf("marshal void request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	msg, err := a.nc.RequestWithContext(reqCtx, SubjectIntentVoid, reqData)
	if err != nil {
		return fmt.Errorf("acquiring void request: %w", err)
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("unmarshal void response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("void failed: %s", resp.Error)
	}

	a.logger.Info("card intent voided",
		"payment_id", payment.ID,
		"transaction_id", payment.ProviderTransactionID,
	)
	return nil
}

// Sign computes the webhook signature for a payload. Exposed for tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC-SHA256 signature the acquirer attaches to
// webhook deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookPayload is the card acquirer's callback body.
type WebhookPayload struct {
	TransactionID string    `json:"transactionId"`
	PaymentID     string    `json:"paymentId"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failureReason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ParseWebhook decodes a webhook body into the canonical callback event.
func ParseWebhook(body []byte) (*providers.CallbackEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}
	return &providers.CallbackEvent{
		Provider:              domain.ProviderCard,
		PaymentID:             payload.PaymentID,
		ProviderTransactionID: payload.TransactionID,
		RawStatus:             payload.Status,
		FailureReason:         payload.FailureReason,
		OccurredAt:            payload.Timestamp,
	}, nil
}
