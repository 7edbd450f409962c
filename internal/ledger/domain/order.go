// Package domain contains the core order and payment records and their
// lifecycle rules.
package domain

import (
	"errors"
	"time"

	"paycore/internal/common/money"
)

// OrderStatus represents the fulfillment status of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderInProgress OrderStatus = "in-progress"
	OrderReady      OrderStatus = "ready"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// orderRank orders the happy path. Cancelled sits outside the path and is
// handled separately.
var orderRank = map[OrderStatus]int{
	OrderPending:    0,
	OrderConfirmed:  1,
	OrderInProgress: 2,
	OrderReady:      3,
	OrderCompleted:  4,
}

// DeliveryMethod represents how an order is handed over.
type DeliveryMethod string

const (
	DeliveryPickup  DeliveryMethod = "pickup"
	DeliveryCourier DeliveryMethod = "delivery"
)

// Customer identifies the purchaser. Phone is the natural key.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// OrderItem is a single purchased line.
type OrderItem struct {
	ServiceID   string      `json:"service_id"`
	ServiceName string      `json:"service_name"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	LineTotal   money.Money `json:"line_total"`
}

// OrderTotals is the priced breakdown of an order.
type OrderTotals struct {
	Subtotal      money.Money `json:"subtotal"`
	Delivery      money.Money `json:"delivery"`
	Tax           money.Money `json:"tax"`
	ProcessingFee money.Money `json:"processing_fee"`
	Total         money.Money `json:"total"`
}

// Order represents one customer purchase intent.
type Order struct {
	ID                  string         `json:"order_id"`
	Customer            Customer       `json:"customer"`
	Items               []OrderItem    `json:"items"`
	Totals              OrderTotals    `json:"totals"`
	DeliveryMethod      DeliveryMethod `json:"delivery_method"`
	Status              OrderStatus    `json:"status"`
	SpecialInstructions string         `json:"special_instructions,omitempty"`
	Version             int64          `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// NewOrder creates an order in pending state and verifies the totals
// invariant: total == subtotal + delivery + tax + processing fee.
func NewOrder(id string, customer Customer, items []OrderItem, totals OrderTotals, method DeliveryMethod, now time.Time) (*Order, error) {
	if id == "" {
		return nil, errors.New("order id is required")
	}
	if customer.Phone == "" {
		return nil, errors.New("customer phone is required")
	}
	if len(items) == 0 {
		return nil, errors.New("order needs at least one item")
	}

	expected := totals.Subtotal.
		MustAdd(totals.Delivery).
		MustAdd(totals.Tax).
		MustAdd(totals.ProcessingFee)
	if !expected.Equal(totals.Total) {
		return nil, errors.New("order totals do not add up")
	}

	if method == "" {
		method = DeliveryPickup
	}

	return &Order{
		ID:             id,
		Customer:       customer,
		Items:          items,
		Totals:         totals,
		DeliveryMethod: method,
		Status:         OrderPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsTerminal returns true when no further transition is permitted.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderCompleted || o.Status == OrderCancelled
}

// CanTransition reports whether the order may move to the target status.
// The happy path is strictly forward; cancelled is reachable from any
// non-terminal state.
func (o *Order) CanTransition(to OrderStatus) bool {
	if o.IsTerminal() {
		return false
	}
	if to == OrderCancelled {
		return true
	}
	fromRank, ok := orderRank[o.Status]
	if !ok {
		return false
	}
	toRank, ok := orderRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Transition moves the order to the target status or fails with
// IllegalOverrideError.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if o.Status == to {
		return nil
	}
	if !o.CanTransition(to) {
		return &IllegalOverrideError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}
