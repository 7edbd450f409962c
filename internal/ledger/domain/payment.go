package domain

import (
	"errors"
	"time"

	"paycore/internal/common/money"
)

// Provider identifies a payment rail.
type Provider string

const (
	ProviderCard         Provider = "card"
	ProviderWallet       Provider = "wallet"
	ProviderOrangeMoney  Provider = "orange-money"
	ProviderAfrimoney    Provider = "afrimoney"
	ProviderQMoney       Provider = "qmoney"
	ProviderBankTransfer Provider = "bank-transfer"
)

// Providers lists every supported rail.
func Providers() []Provider {
	return []Provider{
		ProviderCard, ProviderWallet,
		ProviderOrangeMoney, ProviderAfrimoney, ProviderQMoney,
		ProviderBankTransfer,
	}
}

// ValidProvider reports whether p names a supported rail.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderCard, ProviderWallet, ProviderOrangeMoney,
		ProviderAfrimoney, ProviderQMoney, ProviderBankTransfer:
		return true
	}
	return false
}

// PaymentStatus represents the collection status of a payment.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// ValidPaymentStatus reports whether s is a canonical payment status.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed,
		PaymentCancelled, PaymentRefunded, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// paymentRank orders statuses for duplicate detection: an inbound event
// requesting a status at or below the current rank is a replay.
var paymentRank = map[PaymentStatus]int{
	PaymentPending:           0,
	PaymentProcessing:        1,
	PaymentCompleted:         2,
	PaymentFailed:            2,
	PaymentCancelled:         2,
	PaymentPartiallyRefunded: 3,
	PaymentRefunded:          4,
}

// StatusRank returns the progression rank of a payment status.
func StatusRank(s PaymentStatus) int {
	return paymentRank[s]
}

// paymentEdges is the allowed transition set. Settlement always passes
// through processing so the provider acknowledgment is recorded first.
// Refund statuses are reached through AddRefund, but the edges are listed
// so TransitionPayment can validate provider-reported refunds too.
var paymentEdges = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentProcessing, PaymentFailed, PaymentCancelled},
	PaymentProcessing:        {PaymentCompleted, PaymentFailed},
	PaymentCompleted:         {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded},
}

// FailReasonRiskBlocked marks payments rejected by the risk gate.
const FailReasonRiskBlocked = "risk-blocked"

// Refund is one refund entry against a completed payment.
type Refund struct {
	ID          string      `json:"refund_id"`
	Amount      money.Money `json:"amount"`
	Reason      string      `json:"reason,omitempty"`
	ProcessedAt time.Time   `json:"processed_at"`
}

// Fees is the fee breakdown collected on top of the order total.
type Fees struct {
	ProcessingFee money.Money `json:"processing_fee"`
	TotalFees     money.Money `json:"total_fees"`
}

// Payment represents one attempt to collect money for an order. Retries
// create new rows; AttemptNumber and PreviousAttemptID keep the audit chain.
type Payment struct {
	ID                    string        `json:"payment_id"`
	OrderID               string        `json:"order_id"`
	Provider              Provider      `json:"provider"`
	Amount                money.Money   `json:"amount"`
	Status                PaymentStatus `json:"status"`
	ProviderTransactionID string        `json:"provider_transaction_id,omitempty"`
	RiskScore             int           `json:"risk_score"`
	Fees                  Fees          `json:"fees"`
	Refunds               []Refund      `json:"refunds,omitempty"`
	FailureReason         string        `json:"failure_reason,omitempty"`
	PayerName             string        `json:"payer_name,omitempty"`
	PayerPhone            string        `json:"payer_phone,omitempty"`
	PayerEmail            string        `json:"payer_email,omitempty"`
	AttemptNumber         int           `json:"attempt_number"`
	PreviousAttemptID     string        `json:"previous_attempt_id,omitempty"`
	Version               int64         `json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
}

// NewPayment creates a payment in pending state.
func NewPayment(id, orderID string, provider Provider, amount money.Money, now time.Time) (*Payment, error) {
	if id == "" {
		return nil, errors.New("payment id is required")
	}
	if orderID == "" {
		return nil, errors.New("order id is required")
	}
	if !ValidProvider(provider) {
		return nil, errors.New("unknown provider: " + string(provider))
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	return &Payment{
		ID:            id,
		OrderID:       orderID,
		Provider:      provider,
		Amount:        amount,
		Status:        PaymentPending,
		AttemptNumber: 1,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal returns true when no further transition is permitted.
// Partially refunded payments can still accept refund entries.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the payment may move to the target status.
func (p *Payment) CanTransition(to PaymentStatus) bool {
	for _, allowed := range paymentEdges[p.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a status change or fails with InvalidTransitionError.
// Transitioning to the current status is a no-op.
func (p *Payment) Transition(to PaymentStatus, providerTxnID string, occurredAt time.Time) error {
	if p.Status == to {
		return nil
	}
	if !p.CanTransition(to) {
		return &InvalidTransitionError{PaymentID: p.ID, From: p.Status, To: to}
	}

	p.Status = to
	if providerTxnID != "" {
		p.ProviderTransactionID = providerTxnID
	}
	p.UpdatedAt = occurredAt
	if to == PaymentCompleted && p.CompletedAt == nil {
		at := occurredAt
		p.CompletedAt = &at
	}
	return nil
}

// RefundedTotal sums all refund entries.
func (p *Payment) RefundedTotal() money.Money {
	total := money.Zero(p.Amount.Currency)
	for _, r := range p.Refunds {
		total = total.MustAdd(r.Amount)
	}
	return total
}

// RemainingRefundable is the amount that can still be refunded.
func (p *Payment) RemainingRefundable() money.Money {
	return p.Amount.MustSub(p.RefundedTotal())
}

// AddRefund records a refund entry and moves the payment to refunded or
// partially_refunded depending on the running total.
func (p *Payment) AddRefund(r Refund) error {
	if p.Status != PaymentCompleted && p.Status != PaymentPartiallyRefunded {
		return &UnpayableRefundError{PaymentID: p.ID, Status: p.Status}
	}
	if !r.Amount.IsPositive() {
		return errors.New("refund amount must be positive")
	}
	if r.Amount.GreaterThan(p.RemainingRefundable()) {
		return &OverRefundError{
			PaymentID: p.ID,
			Requested: r.Amount,
			Remaining: p.RemainingRefundable(),
		}
	}

	p.Refunds = append(p.Refunds, r)
	if p.RefundedTotal().Equal(p.Amount) {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentPartiallyRefunded
	}
	p.UpdatedAt = r.ProcessedAt
	return nil
}

// FullyRefunded reports whether the refund entries cover the full amount.
func (p *Payment) FullyRefunded() bool {
	return p.RefundedTotal().Equal(p.Amount)
}
