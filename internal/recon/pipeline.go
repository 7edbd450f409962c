// Package recon consumes provider callbacks and applies at-most-once state
// transitions to the ledger. Duplicates and unknown events are discarded
// quietly so provider retry loops stay calm.
package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/providers"
)

// Result reports what the pipeline did with an event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultUnknown   Result = "unknown"
	ResultRejected  Result = "rejected"
)

// Pipeline reconciles callback events against the ledger.
type Pipeline struct {
	ledger    *ledger.Service
	publisher ledger.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a reconciliation pipeline.
func New(ledgerSvc *ledger.Service, publisher ledger.Publisher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		ledger:    ledgerSvc,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process applies one callback event. It never returns an error for
// duplicate or unknown events; storage failures and invariant violations
// propagate so the HTTP layer can answer accordingly.
func (p *Pipeline) Process(ctx context.Context, event *providers.CallbackEvent) (Result, error) {
	payment, err := p.resolve(ctx, event)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			p.logger.Warn("callback for unknown payment discarded",
				"provider", event.Provider,
				"payment_id", event.PaymentID,
				"provider_txn_id", event.ProviderTransactionID,
			)
			return ResultUnknown, nil
		}
		return "", err
	}

	if payment.Provider != event.Provider {
		p.logger.Warn("callback provider mismatch discarded",
			"payment_id", payment.ID,
			"payment_provider", payment.Provider,
			"event_provider", event.Provider,
		)
		return ResultUnknown, nil
	}

	// A callback naming a real payment id but someone else's transaction id
	// must not reassign the payment to that transaction.
	if event.ProviderTransactionID != "" && payment.ProviderTransactionID != "" &&
		payment.ProviderTransactionID != event.ProviderTransactionID {
		p.logger.Warn("callback transaction id mismatch discarded",
			"payment_id", payment.ID,
			"payment_txn_id", payment.ProviderTransactionID,
			"event_txn_id", event.ProviderTransactionID,
		)
		return ResultUnknown, nil
	}

	target := providers.MapStatus(event.Provider, event.RawStatus)

	// Replay detection: an event driving the payment to a status at or
	// below its current progression rank has already been applied.
	if payment.IsTerminal() || domain.StatusRank(target) <= domain.StatusRank(payment.Status) {
		p.logger.Info("duplicate callback discarded",
			"payment_id", payment.ID,
			"current_status", payment.Status,
			"event_status", target,
			"raw_status", event.RawStatus,
		)
		return ResultDuplicate, nil
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}

	// Manual rails settle straight from pending; the acknowledgment step is
	// recorded first so settlement always passes through processing.
	steps := []domain.PaymentStatus{target}
	if target == domain.PaymentCompleted && payment.Status == domain.PaymentPending {
		steps = []domain.PaymentStatus{domain.PaymentProcessing, domain.PaymentCompleted}
	}

	for _, step := range steps {
		_, err = p.ledger.TransitionPayment(ctx, payment.ID, step, event.ProviderTransactionID, event.FailureReason, occurredAt)
		if err != nil {
			var ite *domain.InvalidTransitionError
			var dse *domain.DuplicateSettlementError
			if errors.As(err, &ite) || errors.As(err, &dse) {
				p.logger.Warn("callback rejected by ledger",
					"payment_id", payment.ID,
					"event_status", step,
					"error", err,
				)
				return ResultRejected, nil
			}
			return "", err
		}
	}

	p.logger.Info("callback reconciled",
		"payment_id", payment.ID,
		"provider", event.Provider,
		"status", target,
	)
	return ResultApplied, nil
}

// resolve finds the payment an event refers to, by payment id first and by
// the provider's transaction id second.
func (p *Pipeline) resolve(ctx context.Context, event *providers.CallbackEvent) (*domain.Payment, error) {
	if event.PaymentID != "" {
		payment, err := p.ledger.GetPayment(ctx, event.PaymentID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	if event.ProviderTransactionID != "" {
		return p.ledger.GetPaymentByProviderTxn(ctx, event.ProviderTransactionID)
	}
	return nil, database.ErrNotFound
}

// RecordSecurityEvent publishes a security observation such as a webhook
// signature failure. Security events never mutate the ledger.
func (p *Pipeline) RecordSecurityEvent(ctx context.Context, kind, ip string, details map[string]string) {
	p.logger.Warn("security event", "kind", kind, "ip", ip)

	if p.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.EventSecurity, "", &events.SecurityEvent{
		Kind:      kind,
		IPAddress: ip,
		Details:   details,
		At:        p.now(),
	})
	if err != nil {
		p.logger.Error("building security event", "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, events.SubjectSecurityEvent, env); err != nil {
		p.logger.Error("publishing security event", "error", err)
	}
}
