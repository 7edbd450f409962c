// Package events defines the event envelope and payloads published on the
// message bus.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// Subjects published by the payment core.
const (
	SubjectPaymentUpdate = "payments.update"
	SubjectOrderUpdate   = "orders.update"
	SubjectSecurityEvent = "security.event"
	SubjectNotify        = "notify.dispatch"
)

// Type identifies an event type.
type Type string

const (
	EventOrderCreated     Type = "order.created"
	EventOrderStatus      Type = "order.status_changed"
	EventPaymentInitiated Type = "payment.initiated"
	EventPaymentCompleted Type = "payment.completed"
	EventPaymentFailed    Type = "payment.failed"
	EventPaymentRefunded  Type = "payment.refunded"
	EventRiskBlocked      Type = "payment.risk_blocked"
	EventSecurity         Type = "security.event"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType Type, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the envelope payload into a struct.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// PaymentUpdateEvent is the normalized payment update from any rail.
type PaymentUpdateEvent struct {
	PaymentID             string      `json:"payment_id"`
	OrderID               string      `json:"order_id"`
	Provider              string      `json:"provider"`
	Status                string      `json:"status"`
	ProviderTransactionID string      `json:"provider_transaction_id,omitempty"`
	Amount                money.Money `json:"amount"`
	FailureReason         string      `json:"failure_reason,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// OrderUpdateEvent is published when an order changes status.
type OrderUpdateEvent struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	CustomerPhone string `json:"customer_phone"`
}

// RefundEvent is published when a refund is recorded.
type RefundEvent struct {
	RefundID  string      `json:"refund_id"`
	PaymentID string      `json:"payment_id"`
	OrderID   string      `json:"order_id"`
	Amount    money.Money `json:"amount"`
	Reason    string      `json:"reason,omitempty"`
	Full      bool        `json:"full"`
}

// SecurityEvent records a security-relevant observation such as a webhook
// signature failure or a suspicious device.
type SecurityEvent struct {
	Kind      string            `json:"kind"`
	IPAddress string            `json:"ip_address,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	At        time.Time         `json:"at"`
}
