// Package wallet collects payments through the wallet network's hosted
// checkout.
package wallet

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

// Config holds wallet adapter configuration.
type Config struct {
	BaseURL   string        `envconfig:"WALLET_BASE_URL"`
	APIKey    string        `envconfig:"WALLET_API_KEY"`
	ReturnURL string        `envconfig:"WALLET_RETURN_URL"`
	Timeout   time.Duration `envconfig:"WALLET_TIMEOUT" default:"30s"`
}

type sessionRequest struct {
	Reference  string `json:"reference"`
	Amount     int64  `json:"amount_minor"`
	Currency   string `json:"currency"`
	PayerPhone string `json:"payer_phone,omitempty"`
	ReturnURL  string `json:"return_url"`
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// Adapter implements the wallet rail.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a wallet adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Name returns the rail identifier.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderWallet
}

// Initiate creates a checkout session and returns the redirect URL the
// customer completes payment at.
func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment, payer providers.Payer) (*providers.Initiation, error) {
	if a.config.BaseURL == "" || a.config.APIKey == "" {
		return nil, fmt.Errorf("wallet not configured: %w", providers.ErrUnavailable)
	}

	reference := "WAL-" + ulid.Make().String()
	req := sessionRequest{
		Reference:  reference,
		Amount:     payment.Amount.AmountMinor,
		Currency:   string(payment.Amount.Currency),
		PayerPhone: payer.Phone,
		ReturnURL:  a.config.ReturnURL,
	}

	a.logger.Info("creating wallet session",
		"payment_id", payment.ID,
		"reference", reference,
		"amount", payment.Amount.AmountMinor,
	)

	resp, err := a.createSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wallet session: %w: %w", err, providers.ErrUnavailable)
	}

	a.logger.Info("wallet session created",
		"payment_id", payment.ID,
		"session_id", resp.SessionID,
	)

	return &providers.Initiation{
		ProviderTransactionID: resp.SessionID,
		RedirectURL:           resp.RedirectURL,
		Reference:             reference,
	}, nil
}

func (a *Adapter) createSession(ctx context.Context, req sessionRequest) (*sessionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/sessions", bytes.NewReader(body))
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
		return nil, fmt.Errorf("wallet api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	var resp sessionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Cancel expires a checkout session that has not completed.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	if payment.ProviderTransactionID == "" {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/sessions/"+payment.ProviderTransactionID+"/expire", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("wallet expire error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	a.logger.Info("wallet session expired",
		"payment_id", payment.ID,
		"session_id", payment.ProviderTransactionID,
	)
	return nil
}

// CallbackPayload is the wallet network's callback body.
type CallbackPayload struct {
	SessionID string    `json:"session_id"`
	Reference string    `json:"reference"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseCallback decodes a callback body into the canonical event.
func ParseCallback(body []byte) (*providers.CallbackEvent, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	return &providers.CallbackEvent{
		Provider:              domain.ProviderWallet,
		PaymentID:             payload.PaymentID,
		ProviderTransactionID: payload.SessionID,
		RawStatus:             payload.Status,
		FailureReason:         payload.Reason,
		OccurredAt:            payload.Timestamp,
	}, nil
}
