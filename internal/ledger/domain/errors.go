package domain

import (
	"fmt"

	"paycore/internal/common/money"
)

// InvalidTransitionError reports a payment edge outside the allowed set.
type InvalidTransitionError struct {
	PaymentID string
	From      PaymentStatus
	To        PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment %s: invalid transition %s -> %s", e.PaymentID, e.From, e.To)
}

// InvalidOrderStateError reports an operation against an order whose status
// forbids it, such as initiating payment on a cancelled order.
type InvalidOrderStateError struct {
	OrderID string
	Status  OrderStatus
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order %s is %s and cannot accept this operation", e.OrderID, e.Status)
}

// IllegalOverrideError reports an admin override that would move an order
// backward or out of a terminal state.
type IllegalOverrideError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *IllegalOverrideError) Error() string {
	return fmt.Sprintf("order %s: override %s -> %s not permitted", e.OrderID, e.From, e.To)
}

// UnpayableRefundError reports a refund against a payment that never
// completed.
type UnpayableRefundError struct {
	PaymentID string
	Status    PaymentStatus
}

func (e *UnpayableRefundError) Error() string {
	return fmt.Sprintf("payment %s is %s and cannot be refunded", e.PaymentID, e.Status)
}

// OverRefundError reports a refund that would exceed the payment amount.
type OverRefundError struct {
	PaymentID string
	Requested money.Money
	Remaining money.Money
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("payment %s: refund of %s exceeds remaining refundable %s",
		e.PaymentID, e.Requested, e.Remaining)
}

// DuplicateSettlementError reports a second payment trying to complete for
// an order that already has a completed payment.
type DuplicateSettlementError struct {
	OrderID            string
	PaymentID          string
	CompletedPaymentID string
}

func (e *DuplicateSettlementError) Error() string {
	return fmt.Sprintf("order %s already settled by payment %s; payment %s cannot complete",
		e.OrderID, e.CompletedPaymentID, e.PaymentID)
}
