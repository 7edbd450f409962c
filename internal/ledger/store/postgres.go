// Package store provides persistence for orders and payments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
)

// Postgres persists orders and payments in PostgreSQL. Structured fields
// (customer, items, totals, refunds) are stored as JSONB; lifecycle and
// lookup fields are flat columns.
type Postgres struct {
	db *database.DB
}

var _ ledger.Store = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// CreateOrder inserts a new order.
func (s *Postgres) CreateOrder(ctx context.Context, order *domain.Order) error {
	customer, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("marshaling customer: %w", err)
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}
	totals, err := json.Marshal(order.Totals)
	if err != nil {
		return fmt.Errorf("marshaling totals: %w", err)
	}

	query := `
		INSERT INTO orders (
			id, customer, items, totals, delivery_method, status,
			special_instructions, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.Exec(ctx, query,
		order.ID, customer, items, totals,
		order.DeliveryMethod, order.Status,
		order.SpecialInstructions, order.Version,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id.
func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `
		SELECT id, customer, items, totals, delivery_method, status,
		       special_instructions, version, created_at, updated_at
		FROM orders
		WHERE id = $1`

	return s.scanOrder(s.db.QueryRow(ctx, query, orderID))
}

// UpdateOrder writes an order back, guarded by its version. The version the
// caller read must still be current or the update fails with ErrConflict.
func (s *Postgres) UpdateOrder(ctx context.Context, order *domain.Order) error {
	customer, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("marshaling customer: %w", err)
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}
	totals, err := json.Marshal(order.Totals)
	if err != nil {
		return fmt.Errorf("marshaling totals: %w", err)
	}

	query := `
		UPDATE orders
		SET customer = $2, items = $3, totals = $4, delivery_method = $5,
		    status = $6, special_instructions = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $9`

	tag, err := s.db.Exec(ctx, query,
		order.ID, customer, items, totals,
		order.DeliveryMethod, order.Status, order.SpecialInstructions,
		order.UpdatedAt, order.Version,
	)
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "orders", order.ID)
	}
	order.Version++
	return nil
}

// ListOrders lists orders newest first, optionally filtered by status.
func (s *Postgres) ListOrders(ctx context.Context, status domain.OrderStatus, limit, offset int) ([]*domain.Order, error) {
	query := `
		SELECT id, customer, items, totals, delivery_method, status,
		       special_instructions, version, created_at, updated_at
		FROM orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CreatePayment inserts a new collection attempt.
func (s *Postgres) CreatePayment(ctx context.Context, p *domain.Payment) error {
	fees, err := json.Marshal(p.Fees)
	if err != nil {
		return fmt.Errorf("marshaling fees: %w", err)
	}
	refunds, err := json.Marshal(p.Refunds)
	if err != nil {
		return fmt.Errorf("marshaling refunds: %w", err)
	}

	query := `
		INSERT INTO payments (
			id, order_id, provider, amount_minor, currency, status,
			provider_txn_id, risk_score, fees, refunds, failure_reason,
			payer_name, payer_phone, payer_email,
			attempt_number, previous_attempt_id,
			version, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`

	_, err = s.db.Exec(ctx, query,
		p.ID, p.OrderID, p.Provider,
		p.Amount.AmountMinor, p.Amount.Currency, p.Status,
		nullable(p.ProviderTransactionID), p.RiskScore, fees, refunds,
		nullable(p.FailureReason),
		nullable(p.PayerName), nullable(p.PayerPhone), nullable(p.PayerEmail),
		p.AttemptNumber, nullable(p.PreviousAttemptID),
		p.Version, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		if database.IsForeignKeyViolation(err) {
			return database.ErrNotFound
		}
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by id.
func (s *Postgres) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.scanPayment(s.db.QueryRow(ctx, paymentSelect+` WHERE id = $1`, paymentID))
}

// GetPaymentByProviderTxn retrieves a payment by the external rail's
// transaction id.
func (s *Postgres) GetPaymentByProviderTxn(ctx context.Context, providerTxnID string) (*domain.Payment, error) {
	return s.scanPayment(s.db.QueryRow(ctx, paymentSelect+` WHERE provider_txn_id = $1`, providerTxnID))
}

// ListPaymentsByOrder lists every collection attempt for an order, oldest
// first so attempt chains read naturally.
func (s *Postgres) ListPaymentsByOrder(ctx context.Context, orderID string) ([]*domain.Payment, error) {
	rows, err := s.db.Query(ctx, paymentSelect+` WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// UpdatePayment writes a payment back, guarded by its version.
func (s *Postgres) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	fees, err := json.Marshal(p.Fees)
	if err != nil {
		return fmt.Errorf("marshaling fees: %w", err)
	}
	refunds, err := json.Marshal(p.Refunds)
	if err != nil {
		return fmt.Errorf("marshaling refunds: %w", err)
	}

	query := `
		UPDATE payments
		SET status = $2, provider_txn_id = $3, risk_score = $4,
		    fees = $5, refunds = $6, failure_reason = $7,
		    version = version + 1, updated_at = $8, completed_at = $9
		WHERE id = $1 AND version = $10`

	tag, err := s.db.Exec(ctx, query,
		p.ID, p.Status, nullable(p.ProviderTransactionID), p.RiskScore,
		fees, refunds, nullable(p.FailureReason),
		p.UpdatedAt, p.CompletedAt, p.Version,
	)
	if err != nil {
		return fmt.Errorf("updating payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "payments", p.ID)
	}
	p.Version++
	return nil
}

const paymentSelect = `
	SELECT id, order_id, provider, amount_minor, currency, status,
	       provider_txn_id, risk_score, fees, refunds, failure_reason,
	       payer_name, payer_phone, payer_email,
	       attempt_number, previous_attempt_id,
	       version, created_at, updated_at, completed_at
	FROM payments`

// conflictOrMissing distinguishes a lost version race from a missing row.
func (s *Postgres) conflictOrMissing(ctx context.Context, table, id string) error {
	var exists bool
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s existence: %w", table, err)
	}
	if !exists {
		return database.ErrNotFound
	}
	return database.ErrConflict
}

func (s *Postgres) scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order                   domain.Order
		customer, items, totals []byte
		specialInstructions     *string
	)

	err := row.Scan(
		&order.ID, &customer, &items, &totals,
		&order.DeliveryMethod, &order.Status,
		&specialInstructions, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}

	if err := json.Unmarshal(customer, &order.Customer); err != nil {
		return nil, fmt.Errorf("unmarshaling customer: %w", err)
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}
	if err := json.Unmarshal(totals, &order.Totals); err != nil {
		return nil, fmt.Errorf("unmarshaling totals: %w", err)
	}
	if specialInstructions != nil {
		order.SpecialInstructions = *specialInstructions
	}
	return &order, nil
}

func (s *Postgres) scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                                 domain.Payment
		fees, refunds                     []byte
		providerTxnID, failureReason      *string
		payerName, payerPhone, payerEmail *string
		previousAttemptID                 *string
	)

	err := row.Scan(
		&p.ID, &p.OrderID, &p.Provider,
		&p.Amount.AmountMinor, &p.Amount.Currency, &p.Status,
		&providerTxnID, &p.RiskScore, &fees, &refunds, &failureReason,
		&payerName, &payerPhone, &payerEmail,
		&p.AttemptNumber, &previousAttemptID,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	if err := json.Unmarshal(fees, &p.Fees); err != nil {
		return nil, fmt.Errorf("unmarshaling fees: %w", err)
	}
	if err := json.Unmarshal(refunds, &p.Refunds); err != nil {
		return nil, fmt.Errorf("unmarshaling refunds: %w", err)
	}

	p.ProviderTransactionID = deref(providerTxnID)
	p.FailureReason = deref(failureReason)
	p.PayerName = deref(payerName)
	p.PayerPhone = deref(payerPhone)
	p.PayerEmail = deref(payerEmail)
	p.PreviousAttemptID = deref(previousAttemptID)
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
