// Package ledger owns the authoritative Order and Payment records and
// enforces their lifecycles. All mutations flow through this service.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/ledger/domain"
)

// Store persists orders and payments. Updates are compare-and-swap on the
// record version and fail with database.ErrConflict on a lost race.
type Store interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	ListOrders(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, error)

	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	GetPaymentByProviderTxn(ctx context.Context, providerTxnID string) (*domain.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]*domain.Payment, error)
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
}

// Publisher publishes events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Notifier dispatches fire-and-forget customer notifications. Message
// content rendering lives outside this service.
type Notifier interface {
	Dispatch(ctx context.Context, contact, templateID string, payload map[string]string)
}

// casAttempts bounds retries when another process wins a version race.
const casAttempts = 3

// Service is the ledger state machine.
type Service struct {
	store     Store
	publisher Publisher
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a ledger service.
func NewService(store Store, publisher Publisher, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// lock returns the mutex serializing writers for one payment or order key.
// Concurrent writers for distinct keys proceed independently.
func (s *Service) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// CreateOrderRequest is the request to create an order.
type CreateOrderRequest struct {
	Customer            domain.Customer
	Items               []domain.OrderItem
	Totals              domain.OrderTotals
	DeliveryMethod      domain.DeliveryMethod
	SpecialInstructions string
}

// CreateOrder creates a new order in pending state.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	id := "ORD-" + ulid.Make().String()

	order, err := domain.NewOrder(id, req.Customer, req.Items, req.Totals, req.DeliveryMethod, s.now())
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}
	order.SpecialInstructions = req.SpecialInstructions

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("storing order: %w", err)
	}

	s.logger.Info("order created",
		"order_id", order.ID,
		"customer_phone", order.Customer.Phone,
		"total", order.Totals.Total.AmountMinor,
	)

	s.publish(ctx, events.SubjectOrderUpdate, events.EventOrderCreated, order.ID, &events.OrderUpdateEvent{
		OrderID:       order.ID,
		Status:        string(order.Status),
		CustomerPhone: order.Customer.Phone,
	})

	return order, nil
}

// GetOrder retrieves an order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// ListOrders lists orders, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, error) {
	return s.store.ListOrders(ctx, status, limit, offset)
}

// GetPayment retrieves a payment.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.store.GetPayment(ctx, paymentID)
}

// GetPaymentByProviderTxn retrieves a payment by its external correlation id.
func (s *Service) GetPaymentByProviderTxn(ctx context.Context, providerTxnID string) (*domain.Payment, error) {
	return s.store.GetPaymentByProviderTxn(ctx, providerTxnID)
}

// ListPaymentsByOrder lists all collection attempts for an order.
func (s *Service) ListPaymentsByOrder(ctx context.Context, orderID string) ([]*domain.Payment, error) {
	return s.store.ListPaymentsByOrder(ctx, orderID)
}

// CreatePayment records a new collection attempt. Retries create new rows;
// the attempt chain is derived from prior payments for the order.
func (s *Service) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	prior, err := s.store.ListPaymentsByOrder(ctx, payment.OrderID)
	if err != nil {
		return fmt.Errorf("listing prior attempts: %w", err)
	}
	payment.AttemptNumber = len(prior) + 1
	if len(prior) > 0 {
		payment.PreviousAttemptID = prior[len(prior)-1].ID
	}

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("storing payment: %w", err)
	}

	s.logger.Info("payment created",
		"payment_id", payment.ID,
		"order_id", payment.OrderID,
		"provider", payment.Provider,
		"amount", payment.Amount.AmountMinor,
		"attempt", payment.AttemptNumber,
	)
	return nil
}

// TransitionPayment applies a lifecycle transition. Repeating an already
// applied transition is a no-op returning current state. Invalid edges fail
// with InvalidTransitionError and are logged, never silently applied.
// failureReason is recorded when the target status is failed.
func (s *Service) TransitionPayment(ctx context.Context, paymentID string, to domain.PaymentStatus, providerTxnID, failureReason string, occurredAt time.Time) (*domain.Payment, error) {
	lock := s.lock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var payment *domain.Payment
	for attempt := 0; attempt < casAttempts; attempt++ {
		var err error
		payment, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		if payment.Status == to {
			return payment, nil
		}

		if to == domain.PaymentCompleted {
			if err := s.checkSingleSettlement(ctx, payment); err != nil {
				return nil, err
			}
		}

		if err := payment.Transition(to, providerTxnID, occurredAt); err != nil {
			var ite *domain.InvalidTransitionError
			if errors.As(err, &ite) {
				s.logger.Warn("invalid payment transition rejected",
					"payment_id", paymentID,
					"from", ite.From,
					"to", ite.To,
				)
			}
			return nil, err
		}
		if to == domain.PaymentFailed && failureReason != "" {
			payment.FailureReason = failureReason
		}

		err = s.store.UpdatePayment(ctx, payment)
		if err == nil {
			break
		}
		if !database.IsConflict(err) || attempt == casAttempts-1 {
			return nil, fmt.Errorf("updating payment: %w", err)
		}
	}

	s.logger.Info("payment transitioned",
		"payment_id", payment.ID,
		"order_id", payment.OrderID,
		"status", payment.Status,
		"provider_txn_id", payment.ProviderTransactionID,
	)

	switch to {
	case domain.PaymentCompleted:
		if err := s.confirmOrder(ctx, payment); err != nil {
			s.logger.Error("derived order confirmation failed",
				"order_id", payment.OrderID,
				"payment_id", payment.ID,
				"error", err,
			)
		}
		s.publishPaymentUpdate(ctx, events.EventPaymentCompleted, payment)
		s.notifyPayment(ctx, payment, "payment-confirmed")
	case domain.PaymentFailed:
		s.publishPaymentUpdate(ctx, events.EventPaymentFailed, payment)
	default:
		s.publishPaymentUpdate(ctx, events.EventPaymentInitiated, payment)
	}

	return payment, nil
}

// checkSingleSettlement enforces that at most one payment per order ever
// completes.
func (s *Service) checkSingleSettlement(ctx context.Context, payment *domain.Payment) error {
	siblings, err := s.store.ListPaymentsByOrder(ctx, payment.OrderID)
	if err != nil {
		return fmt.Errorf("listing sibling payments: %w", err)
	}
	for _, sib := range siblings {
		if sib.ID != payment.ID && sib.Status == domain.PaymentCompleted {
			s.logger.Warn("double settlement rejected",
				"order_id", payment.OrderID,
				"payment_id", payment.ID,
				"completed_payment_id", sib.ID,
			)
			return &domain.DuplicateSettlementError{
				OrderID:            payment.OrderID,
				PaymentID:          payment.ID,
				CompletedPaymentID: sib.ID,
			}
		}
	}
	return nil
}

// confirmOrder is the derived order transition: a completed payment moves a
// pending order to confirmed. Orders already beyond confirmed are left alone.
func (s *Service) confirmOrder(ctx context.Context, payment *domain.Payment) error {
	lock := s.lock(payment.OrderID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := s.store.GetOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		if order.Status != domain.OrderPending {
			return nil
		}

		if err := order.Transition(domain.OrderConfirmed, s.now()); err != nil {
			return err
		}

		err = s.store.UpdateOrder(ctx, order)
		if err == nil {
			s.logger.Info("order confirmed", "order_id", order.ID, "payment_id", payment.ID)
			s.publish(ctx, events.SubjectOrderUpdate, events.EventOrderStatus, order.ID, &events.OrderUpdateEvent{
				OrderID:       order.ID,
				Status:        string(order.Status),
				CustomerPhone: order.Customer.Phone,
			})
			return nil
		}
		if !database.IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("order %s: version conflicts exhausted", payment.OrderID)
}

// CancelPayment cancels a still-pending payment. Terminal payments are left
// untouched (no-op), matching provider cancel semantics.
func (s *Service) CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	lock := s.lock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.IsTerminal() || payment.Status == domain.PaymentCancelled {
		return payment, nil
	}
	if payment.Status != domain.PaymentPending {
		return nil, &domain.InvalidTransitionError{
			PaymentID: payment.ID,
			From:      payment.Status,
			To:        domain.PaymentCancelled,
		}
	}

	if err := payment.Transition(domain.PaymentCancelled, "", s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("updating payment: %w", err)
	}

	s.logger.Info("payment cancelled", "payment_id", payment.ID, "order_id", payment.OrderID)
	return payment, nil
}

// Refund records a refund against a completed payment. A nil amount refunds
// the full remaining payable amount. Fully refunding the order grand total
// cancels the order; partial refunds leave fulfillment untouched.
func (s *Service) Refund(ctx context.Context, paymentID string, amount *money.Money, reason string) (*domain.Refund, error) {
	lock := s.lock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != domain.PaymentCompleted && payment.Status != domain.PaymentPartiallyRefunded {
		return nil, &domain.UnpayableRefundError{PaymentID: payment.ID, Status: payment.Status}
	}

	refundAmount := payment.RemainingRefundable()
	if amount != nil {
		refundAmount = *amount
	}

	refund := domain.Refund{
		ID:          "REF-" + ulid.Make().String(),
		Amount:      refundAmount,
		Reason:      reason,
		ProcessedAt: s.now(),
	}

	if err := payment.AddRefund(refund); err != nil {
		return nil, err
	}

	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("updating payment: %w", err)
	}

	s.logger.Info("refund recorded",
		"refund_id", refund.ID,
		"payment_id", payment.ID,
		"amount", refund.Amount.AmountMinor,
		"payment_status", payment.Status,
	)

	full := payment.FullyRefunded()
	s.publish(ctx, events.SubjectPaymentUpdate, events.EventPaymentRefunded, payment.ID, &events.RefundEvent{
		RefundID:  refund.ID,
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    refund.Amount,
		Reason:    reason,
		Full:      full,
	})

	if full {
		if err := s.cancelOrderOnFullRefund(ctx, payment); err != nil {
			s.logger.Error("order cancellation after full refund failed",
				"order_id", payment.OrderID,
				"error", err,
			)
		}
	}

	return &refund, nil
}

// cancelOrderOnFullRefund cancels the order only when the refunded amount
// covers the order grand total.
func (s *Service) cancelOrderOnFullRefund(ctx context.Context, payment *domain.Payment) error {
	lock := s.lock(payment.OrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return err
	}

	if payment.RefundedTotal().LessThan(order.Totals.Total) {
		return nil
	}
	if order.Status == domain.OrderCancelled {
		return nil
	}

	if err := order.Transition(domain.OrderCancelled, s.now()); err != nil {
		return err
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return err
	}

	s.logger.Info("order cancelled after full refund", "order_id", order.ID)
	s.publish(ctx, events.SubjectOrderUpdate, events.EventOrderStatus, order.ID, &events.OrderUpdateEvent{
		OrderID:       order.ID,
		Status:        string(order.Status),
		CustomerPhone: order.Customer.Phone,
	})
	return nil
}

// AdminOverrideOrderStatus moves an order forward along the happy path or to
// cancelled. Backward moves fail with IllegalOverrideError.
func (s *Service) AdminOverrideOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus, operatorID string) (*domain.Order, error) {
	lock := s.lock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := order.Transition(to, s.now()); err != nil {
		s.logger.Warn("order override rejected",
			"order_id", orderID,
			"from", order.Status,
			"to", to,
			"operator_id", operatorID,
		)
		return nil, err
	}

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("updating order: %w", err)
	}

	s.logger.Info("order status overridden",
		"order_id", order.ID,
		"status", order.Status,
		"operator_id", operatorID,
	)

	s.publish(ctx, events.SubjectOrderUpdate, events.EventOrderStatus, order.ID, &events.OrderUpdateEvent{
		OrderID:       order.ID,
		Status:        string(order.Status),
		CustomerPhone: order.Customer.Phone,
	})
	s.notifier.Dispatch(ctx, order.Customer.Phone, "order-status", map[string]string{
		"order_id": order.ID,
		"status":   string(order.Status),
	})

	return order, nil
}

func (s *Service) publish(ctx context.Context, subject string, eventType events.Type, correlationID string, data any) {
	if s.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, correlationID, data)
	if err != nil {
		s.logger.Error("building event envelope", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Error("publishing event", "type", eventType, "error", err)
	}
}

func (s *Service) publishPaymentUpdate(ctx context.Context, eventType events.Type, p *domain.Payment) {
	s.publish(ctx, events.SubjectPaymentUpdate, eventType, p.ID, &events.PaymentUpdateEvent{
		PaymentID:             p.ID,
		OrderID:               p.OrderID,
		Provider:              string(p.Provider),
		Status:                string(p.Status),
		ProviderTransactionID: p.ProviderTransactionID,
		Amount:                p.Amount,
		FailureReason:         p.FailureReason,
		CompletedAt:           p.CompletedAt,
	})
}

func (s *Service) notifyPayment(ctx context.Context, p *domain.Payment, templateID string) {
	if s.notifier == nil || p.PayerPhone == "" {
		return
	}
	s.notifier.Dispatch(ctx, p.PayerPhone, templateID, map[string]string{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
		"amount":     p.Amount.String(),
		"provider":   string(p.Provider),
	})
}
