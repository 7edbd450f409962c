package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/ledger/store"
)

var testTime = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type capturingPublisher struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *capturingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, env := range p.envelopes {
		out = append(out, env.Type)
	}
	return out
}

type noopNotifier struct{}

func (noopNotifier) Dispatch(context.Context, string, string, map[string]string) {}

func newTestService(t *testing.T) (*ledger.Service, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(store.NewMemory(), pub, noopNotifier{}, logger).
		WithClock(func() time.Time { return testTime })
	return svc, pub
}

func createOrder(t *testing.T, svc *ledger.Service, totalMinor int64) *domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), ledger.CreateOrderRequest{
		Customer: domain.Customer{Name: "Aminata", Phone: "+23276000001"},
		Items: []domain.OrderItem{{
			ServiceID:   "svc-1",
			ServiceName: "Wash & Fold",
			Quantity:    1,
			UnitPrice:   money.New(totalMinor, money.SLE),
			LineTotal:   money.New(totalMinor, money.SLE),
		}},
		Totals: domain.OrderTotals{
			Subtotal:      money.New(totalMinor, money.SLE),
			Delivery:      money.Zero(money.SLE),
			Tax:           money.Zero(money.SLE),
			ProcessingFee: money.Zero(money.SLE),
			Total:         money.New(totalMinor, money.SLE),
		},
		DeliveryMethod: domain.DeliveryPickup,
	})
	require.NoError(t, err)
	return order
}

var paymentSeq atomic.Int64

func createPayment(t *testing.T, svc *ledger.Service, orderID string, amountMinor int64) *domain.Payment {
	t.Helper()
	payment, err := domain.NewPayment(fmt.Sprintf("PAY-%s-%d", orderID, paymentSeq.Add(1)), orderID,
		domain.ProviderAfrimoney, money.New(amountMinor, money.SLE), testTime)
	require.NoError(t, err)
	require.NoError(t, svc.CreatePayment(context.Background(), payment))
	return payment
}

// settlePayment walks a pending payment through processing to completed.
func settlePayment(t *testing.T, svc *ledger.Service, paymentID, txnID string) *domain.Payment {
	t.Helper()
	ctx := context.Background()
	_, err := svc.TransitionPayment(ctx, paymentID, domain.PaymentProcessing, txnID, "", testTime)
	require.NoError(t, err)
	p, err := svc.TransitionPayment(ctx, paymentID, domain.PaymentCompleted, txnID, "", testTime)
	require.NoError(t, err)
	return p
}

func TestTransitionPaymentHappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)

	p, err := svc.TransitionPayment(ctx, payment.ID, domain.PaymentProcessing, "MM-1", "", testTime)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, p.Status)

	p, err = svc.TransitionPayment(ctx, payment.ID, domain.PaymentCompleted, "MM-1", "", testTime)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, got.Status)
}

func TestTransitionPaymentIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)
	settlePayment(t, svc, payment.ID, "MM-1")

	// Repeating the transition changes nothing and returns current state.
	p, err := svc.TransitionPayment(ctx, payment.ID, domain.PaymentCompleted, "MM-1", "", testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, testTime, *p.CompletedAt)
	assert.Equal(t, int64(3), p.Version)
}

func TestTransitionPaymentRejectsInvalidEdge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)

	_, err := svc.TransitionPayment(ctx, payment.ID, domain.PaymentFailed, "", "declined", testTime)
	require.NoError(t, err)

	_, err = svc.TransitionPayment(ctx, payment.ID, domain.PaymentCompleted, "", "", testTime)
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	p, err := svc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Equal(t, "declined", p.FailureReason)
}

func TestNoDoubleSettlement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	first := createPayment(t, svc, order.ID, 102500)
	second := createPayment(t, svc, order.ID, 102500)
	assert.Equal(t, 2, second.AttemptNumber)
	assert.Equal(t, first.ID, second.PreviousAttemptID)

	settlePayment(t, svc, first.ID, "MM-1")

	_, err := svc.TransitionPayment(ctx, second.ID, domain.PaymentProcessing, "MM-2", "", testTime)
	require.NoError(t, err)
	_, err = svc.TransitionPayment(ctx, second.ID, domain.PaymentCompleted, "MM-2", "", testTime)
	var dse *domain.DuplicateSettlementError
	require.ErrorAs(t, err, &dse)
	assert.Equal(t, first.ID, dse.CompletedPaymentID)
}

func TestCompletedPaymentDoesNotRegressOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)

	_, err := svc.AdminOverrideOrderStatus(ctx, order.ID, domain.OrderInProgress, "op-1")
	require.NoError(t, err)

	settlePayment(t, svc, payment.ID, "MM-1")

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderInProgress, got.Status)
}

func TestRefundScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 50000)
	payment := createPayment(t, svc, order.ID, 50000)
	settlePayment(t, svc, payment.ID, "MM-1")

	over := money.New(60000, money.SLE)
	_, err := svc.Refund(ctx, payment.ID, &over, "customer request")
	var ore *domain.OverRefundError
	require.ErrorAs(t, err, &ore)

	full := money.New(50000, money.SLE)
	refund, err := svc.Refund(ctx, payment.ID, &full, "customer request")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), refund.Amount.AmountMinor)

	p, err := svc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, p.Status)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
}

func TestPartialRefundLeavesOrderAlone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)
	settlePayment(t, svc, payment.ID, "MM-1")

	part := money.New(2500, money.SLE)
	_, err := svc.Refund(ctx, payment.ID, &part, "fee waived")
	require.NoError(t, err)

	p, err := svc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPartiallyRefunded, p.Status)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, got.Status)
}

func TestRefundDefaultsToRemaining(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)
	settlePayment(t, svc, payment.ID, "MM-1")

	refund, err := svc.Refund(ctx, payment.ID, nil, "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, int64(102500), refund.Amount.AmountMinor)

	p, err := svc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, p.FullyRefunded())
}

func TestRefundRequiresCompletedPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)

	_, err := svc.Refund(ctx, payment.ID, nil, "too early")
	var ure *domain.UnpayableRefundError
	require.ErrorAs(t, err, &ure)
}

func TestAdminOverride(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)

	got, err := svc.AdminOverrideOrderStatus(ctx, order.ID, domain.OrderConfirmed, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, got.Status)

	_, err = svc.AdminOverrideOrderStatus(ctx, order.ID, domain.OrderPending, "op-1")
	var ioe *domain.IllegalOverrideError
	require.ErrorAs(t, err, &ioe)

	assert.Contains(t, pub.types(), events.EventOrderStatus)
}

func TestCancelPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)

	p, err := svc.CancelPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, p.Status)

	// Cancelling again is a no-op.
	p, err = svc.CancelPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, p.Status)
}

func TestCancelRejectsProcessingPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)
	_, err := svc.TransitionPayment(ctx, payment.ID, domain.PaymentProcessing, "MM-1", "", testTime)
	require.NoError(t, err)

	_, err = svc.CancelPayment(ctx, payment.ID)
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestConcurrentCompletionsSettleOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc, 100000)
	payment := createPayment(t, svc, order.ID, 102500)
	_, err := svc.TransitionPayment(ctx, payment.ID, domain.PaymentProcessing, "MM-1", "", testTime)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.TransitionPayment(ctx, payment.ID, domain.PaymentCompleted, "MM-1", "", testTime)
		}()
	}
	wg.Wait()

	p, err := svc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	// One winner applied the transition; everyone else saw a no-op.
	assert.Equal(t, int64(3), p.Version)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, got.Status)
}
