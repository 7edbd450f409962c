// Package payments orchestrates payment initiation: rate and risk gating,
// fee computation, provider initiation and the manual fallback path.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/providers"
	"paycore/internal/providers/momo"
	"paycore/internal/risk"
)

// FailReasonProviderUnavailable marks payments abandoned because the rail
// could not be reached and no manual path exists.
const FailReasonProviderUnavailable = "provider-unavailable"

// RiskBlockedError is returned when the risk engine blocks a transaction.
// Only the coarse level is exposed, never the factor weights.
type RiskBlockedError struct {
	PaymentID string
	Level     string
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("payment %s blocked by risk assessment (level %s)", e.PaymentID, e.Level)
}

// ProviderUnavailableError is returned when a rail with no manual fallback
// cannot be reached.
type ProviderUnavailableError struct {
	Provider domain.Provider
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s is unavailable", e.Provider)
}

// InitiateRequest carries everything needed to start collection.
type InitiateRequest struct {
	OrderID  string
	Provider domain.Provider
	Payer    providers.Payer

	// Risk signals gathered by the transport layer.
	IPAddress        string
	Fingerprint      string
	AccountCreatedAt *time.Time
}

// InitiateResult is returned to the client.
type InitiateResult struct {
	Payment    *domain.Payment
	Initiation *providers.Initiation
}

// Service coordinates initiation across the gates and rails.
type Service struct {
	ledger    *ledger.Service
	registry  *providers.Registry
	risk      *risk.Engine
	publisher ledger.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payments service.
func NewService(ledgerSvc *ledger.Service, registry *providers.Registry, riskEngine *risk.Engine, publisher ledger.Publisher, logger *slog.Logger) *Service {
	return &Service{
		ledger:    ledgerSvc,
		registry:  registry,
		risk:      riskEngine,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initiate starts collection for an order. The risk gate runs before any
// provider is contacted; a blocked transaction leaves only an audit row in
// failed state and never reaches a rail.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	order, err := s.ledger.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderPending {
		return nil, &domain.InvalidOrderStateError{OrderID: order.ID, Status: order.Status}
	}

	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	fee := providers.Fee(req.Provider, order.Totals.Total)
	amount, err := order.Totals.Total.Add(fee)
	if err != nil {
		return nil, fmt.Errorf("computing charge amount: %w", err)
	}

	payment, err := domain.NewPayment("PAY-"+ulid.Make().String(), order.ID, req.Provider, amount, s.now())
	if err != nil {
		return nil, err
	}
	payment.Fees = domain.Fees{ProcessingFee: fee, TotalFees: fee}
	payment.PayerName = req.Payer.Name
	payment.PayerPhone = req.Payer.Phone
	payment.PayerEmail = req.Payer.Email

	assessment := s.risk.Assess(ctx, risk.Input{
		Amount:           amount,
		PayerPhone:       req.Payer.Phone,
		PayerEmail:       req.Payer.Email,
		IPAddress:        req.IPAddress,
		Fingerprint:      req.Fingerprint,
		AccountCreatedAt: req.AccountCreatedAt,
	})
	payment.RiskScore = assessment.Score

	if assessment.Blocked() {
		return nil, s.recordBlocked(ctx, payment, assessment)
	}

	if err := s.ledger.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	initiation, err := adapter.Initiate(ctx, payment, req.Payer)
	if err != nil {
		if errors.Is(err, providers.ErrUnavailable) {
			return s.fallback(ctx, payment, err)
		}
		return nil, fmt.Errorf("initiating %s payment: %w", req.Provider, err)
	}

	if initiation.ProviderTransactionID != "" {
		payment, err = s.ledger.TransitionPayment(ctx, payment.ID, domain.PaymentProcessing, initiation.ProviderTransactionID, "", s.now())
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("payment initiated",
		"payment_id", payment.ID,
		"order_id", order.ID,
		"provider", req.Provider,
		"amount", amount.AmountMinor,
		"risk_score", assessment.Score,
		"recommendation", assessment.Recommendation,
	)

	return &InitiateResult{Payment: payment, Initiation: initiation}, nil
}

// recordBlocked persists the audit row for a blocked transaction and returns
// the customer-facing error.
func (s *Service) recordBlocked(ctx context.Context, payment *domain.Payment, assessment risk.Assessment) error {
	payment.Status = domain.PaymentFailed
	payment.FailureReason = domain.FailReasonRiskBlocked

	if err := s.ledger.CreatePayment(ctx, payment); err != nil {
		s.logger.Error("storing risk-blocked audit row", "payment_id", payment.ID, "error", err)
	}

	s.logger.Warn("payment blocked by risk gate",
		"payment_id", payment.ID,
		"order_id", payment.OrderID,
		"score", assessment.Score,
	)

	if s.publisher != nil {
		env, err := events.NewEnvelope(events.EventRiskBlocked, payment.ID, &events.PaymentUpdateEvent{
			PaymentID:     payment.ID,
			OrderID:       payment.OrderID,
			Provider:      string(payment.Provider),
			Status:        string(payment.Status),
			Amount:        payment.Amount,
			FailureReason: payment.FailureReason,
		})
		if err == nil {
			if err := s.publisher.Publish(ctx, events.SubjectPaymentUpdate, env); err != nil {
				s.logger.Error("publishing risk block event", "error", err)
			}
		}
	}

	return &RiskBlockedError{
		PaymentID: payment.ID,
		Level:     string(assessment.Recommendation),
	}
}

// fallback hands the customer manual instructions when a rail is down. Only
// the mobile money rails have a USSD path; other rails fail the attempt.
func (s *Service) fallback(ctx context.Context, payment *domain.Payment, cause error) (*InitiateResult, error) {
	switch payment.Provider {
	case domain.ProviderOrangeMoney, domain.ProviderAfrimoney, domain.ProviderQMoney:
		reference := "MM-" + ulid.Make().String()
		s.logger.Warn("provider unreachable, issuing manual instructions",
			"payment_id", payment.ID,
			"provider", payment.Provider,
			"error", cause,
		)
		return &InitiateResult{
			Payment: payment,
			Initiation: &providers.Initiation{
				Reference:    reference,
				Instructions: momo.ManualInstructions(payment.Provider, payment.Amount.AmountMinor, string(payment.Amount.Currency), reference),
				Manual:       true,
			},
		}, nil
	}

	if _, err := s.ledger.TransitionPayment(ctx, payment.ID, domain.PaymentFailed, "", FailReasonProviderUnavailable, s.now()); err != nil {
		s.logger.Error("marking payment failed after provider outage", "payment_id", payment.ID, "error", err)
	}
	return nil, &ProviderUnavailableError{Provider: payment.Provider}
}

// Cancel cancels a payment. Pending payments cancel locally; processing
// payments are voided through the provider and settle via its callback.
func (s *Service) Cancel(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case domain.PaymentPending:
		return s.ledger.CancelPayment(ctx, paymentID)
	case domain.PaymentProcessing:
		adapter, err := s.registry.Get(payment.Provider)
		if err != nil {
			return nil, err
		}
		if err := adapter.Cancel(ctx, payment); err != nil {
			return nil, fmt.Errorf("provider cancel: %w", err)
		}
		s.logger.Info("provider void requested, awaiting callback", "payment_id", paymentID)
		return payment, nil
	default:
		return nil, &domain.InvalidTransitionError{
			PaymentID: payment.ID,
			From:      payment.Status,
			To:        domain.PaymentCancelled,
		}
	}
}

// Status is the safe field subset exposed to status queries.
type Status struct {
	PaymentID             string         `json:"paymentId"`
	OrderID               string         `json:"orderId"`
	Amount                int64          `json:"amount"`
	Currency              money.Currency `json:"currency"`
	Provider              string         `json:"provider"`
	Status                string         `json:"status"`
	ProviderTransactionID string         `json:"providerTransactionId,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	CompletedAt           *time.Time     `json:"completedAt,omitempty"`
}

// GetStatus returns the externally visible state of a payment. Risk
// internals and provider secrets are never included.
func (s *Service) GetStatus(ctx context.Context, paymentID string) (*Status, error) {
	payment, err := s.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return &Status{
		PaymentID:             payment.ID,
		OrderID:               payment.OrderID,
		Amount:                payment.Amount.AmountMinor,
		Currency:              payment.Amount.Currency,
		Provider:              string(payment.Provider),
		Status:                string(payment.Status),
		ProviderTransactionID: payment.ProviderTransactionID,
		CreatedAt:             payment.CreatedAt,
		CompletedAt:           payment.CompletedAt,
	}, nil
}
