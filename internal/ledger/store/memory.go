package store

import (
	"context"
	"sort"
	"sync"

	"paycore/internal/common/database"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
)

// Memory is an in-memory store with the same version semantics as Postgres.
// Used by tests and local development without a database.
type Memory struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	payments map[string]*domain.Payment
}

var _ ledger.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]*domain.Order),
		payments: make(map[string]*domain.Payment),
	}
}

func (s *Memory) CreateOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return database.ErrAlreadyExists
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Memory) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Memory) UpdateOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.ID]
	if !ok {
		return database.ErrNotFound
	}
	if current.Version != order.Version {
		return database.ErrConflict
	}
	order.Version++
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Memory) ListOrders(_ context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []*domain.Order
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	if offset >= len(orders) {
		return nil, nil
	}
	orders = orders[offset:]
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Memory) CreatePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return database.ErrAlreadyExists
	}
	if _, ok := s.orders[p.OrderID]; !ok {
		return database.ErrNotFound
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Memory) GetPayment(_ context.Context, paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *Memory) GetPaymentByProviderTxn(_ context.Context, providerTxnID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.ProviderTransactionID != "" && p.ProviderTransactionID == providerTxnID {
			return clonePayment(p), nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *Memory) ListPaymentsByOrder(_ context.Context, orderID string) ([]*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payments []*domain.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			payments = append(payments, clonePayment(p))
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].AttemptNumber < payments[j].AttemptNumber
		}
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
	return payments, nil
}

func (s *Memory) UpdatePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[p.ID]
	if !ok {
		return database.ErrNotFound
	}
	if current.Version != p.Version {
		return database.ErrConflict
	}
	p.Version++
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	return &c
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	c.Refunds = append([]domain.Refund(nil), p.Refunds...)
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
