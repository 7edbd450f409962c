package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
)

var testTime = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	p, err := NewPayment("PAY-1", "ORD-1", ProviderAfrimoney, money.New(102500, money.SLE), testTime)
	require.NoError(t, err)
	return p
}

func TestPaymentLifecycle(t *testing.T) {
	p := newTestPayment(t)
	assert.Equal(t, PaymentPending, p.Status)

	require.NoError(t, p.Transition(PaymentProcessing, "MM-123", testTime))
	assert.Equal(t, "MM-123", p.ProviderTransactionID)

	require.NoError(t, p.Transition(PaymentCompleted, "", testTime.Add(time.Minute)))
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, testTime.Add(time.Minute), *p.CompletedAt)
}

func TestPaymentTransitionSameStatusIsNoop(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Transition(PaymentPending, "", testTime))
	assert.Equal(t, PaymentPending, p.Status)
}

func TestPaymentInvalidTransitions(t *testing.T) {
	cases := []struct {
		from PaymentStatus
		to   PaymentStatus
	}{
		{PaymentPending, PaymentCompleted},
		{PaymentCompleted, PaymentPending},
		{PaymentCompleted, PaymentProcessing},
		{PaymentCompleted, PaymentFailed},
		{PaymentFailed, PaymentCompleted},
		{PaymentCancelled, PaymentProcessing},
		{PaymentRefunded, PaymentCompleted},
		{PaymentProcessing, PaymentCancelled},
	}

	for _, tc := range cases {
		p := newTestPayment(t)
		p.Status = tc.from

		err := p.Transition(tc.to, "", testTime)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite, "%s -> %s should be rejected", tc.from, tc.to)
		assert.Equal(t, tc.from, p.Status)
	}
}

func TestPendingPaymentCannotSettleDirectly(t *testing.T) {
	p := newTestPayment(t)

	err := p.Transition(PaymentCompleted, "MM-1", testTime)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	assert.Equal(t, PaymentPending, p.Status)
	assert.Empty(t, p.ProviderTransactionID)
	assert.Nil(t, p.CompletedAt)
}

func TestPaymentCompletedAtImmutable(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Transition(PaymentProcessing, "", testTime))
	require.NoError(t, p.Transition(PaymentCompleted, "", testTime))
	first := *p.CompletedAt

	// A later refund transition must not move completedAt.
	require.NoError(t, p.AddRefund(Refund{
		ID:          "REF-1",
		Amount:      money.New(102500, money.SLE),
		ProcessedAt: testTime.Add(time.Hour),
	}))
	assert.Equal(t, first, *p.CompletedAt)
}

func TestRefundBounds(t *testing.T) {
	p := newTestPayment(t)
	p.Amount = money.New(50000, money.SLE)
	require.NoError(t, p.Transition(PaymentProcessing, "", testTime))
	require.NoError(t, p.Transition(PaymentCompleted, "", testTime))

	err := p.AddRefund(Refund{ID: "REF-1", Amount: money.New(60000, money.SLE), ProcessedAt: testTime})
	var ore *OverRefundError
	require.ErrorAs(t, err, &ore)
	assert.Equal(t, int64(50000), ore.Remaining.AmountMinor)
	assert.Equal(t, PaymentCompleted, p.Status)

	require.NoError(t, p.AddRefund(Refund{ID: "REF-2", Amount: money.New(50000, money.SLE), ProcessedAt: testTime}))
	assert.Equal(t, PaymentRefunded, p.Status)
	assert.True(t, p.FullyRefunded())
}

func TestPartialRefundProgression(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.Transition(PaymentProcessing, "", testTime))
	require.NoError(t, p.Transition(PaymentCompleted, "", testTime))

	require.NoError(t, p.AddRefund(Refund{ID: "REF-1", Amount: money.New(2500, money.SLE), ProcessedAt: testTime}))
	assert.Equal(t, PaymentPartiallyRefunded, p.Status)
	assert.Equal(t, int64(100000), p.RemainingRefundable().AmountMinor)

	require.NoError(t, p.AddRefund(Refund{ID: "REF-2", Amount: money.New(100000, money.SLE), ProcessedAt: testTime}))
	assert.Equal(t, PaymentRefunded, p.Status)

	err := p.AddRefund(Refund{ID: "REF-3", Amount: money.New(1, money.SLE), ProcessedAt: testTime})
	var ure *UnpayableRefundError
	require.ErrorAs(t, err, &ure)
}

func TestRefundRequiresCompletion(t *testing.T) {
	p := newTestPayment(t)
	err := p.AddRefund(Refund{ID: "REF-1", Amount: money.New(100, money.SLE), ProcessedAt: testTime})
	var ure *UnpayableRefundError
	require.ErrorAs(t, err, &ure)
}

func TestStatusRankOrdering(t *testing.T) {
	assert.Less(t, StatusRank(PaymentPending), StatusRank(PaymentProcessing))
	assert.Less(t, StatusRank(PaymentProcessing), StatusRank(PaymentCompleted))
	assert.Equal(t, StatusRank(PaymentCompleted), StatusRank(PaymentFailed))
	assert.Less(t, StatusRank(PaymentCompleted), StatusRank(PaymentPartiallyRefunded))
	assert.Less(t, StatusRank(PaymentPartiallyRefunded), StatusRank(PaymentRefunded))
}

func TestOrderTransitions(t *testing.T) {
	order, err := NewOrder("ORD-1", Customer{Name: "Aminata", Phone: "+23276000001"},
		[]OrderItem{{ServiceID: "svc-1", ServiceName: "Wash & Fold", Quantity: 1,
			UnitPrice: money.New(100000, money.SLE), LineTotal: money.New(100000, money.SLE)}},
		OrderTotals{
			Subtotal:      money.New(100000, money.SLE),
			Delivery:      money.Zero(money.SLE),
			Tax:           money.Zero(money.SLE),
			ProcessingFee: money.Zero(money.SLE),
			Total:         money.New(100000, money.SLE),
		}, DeliveryPickup, testTime)
	require.NoError(t, err)

	require.NoError(t, order.Transition(OrderConfirmed, testTime))
	require.NoError(t, order.Transition(OrderReady, testTime)) // skipping in-progress is forward, allowed

	err = order.Transition(OrderConfirmed, testTime)
	var ioe *IllegalOverrideError
	require.ErrorAs(t, err, &ioe)

	require.NoError(t, order.Transition(OrderCancelled, testTime))
	assert.True(t, order.IsTerminal())

	err = order.Transition(OrderCompleted, testTime)
	require.ErrorAs(t, err, &ioe)
}

func TestOrderTotalsInvariant(t *testing.T) {
	_, err := NewOrder("ORD-1", Customer{Name: "Aminata", Phone: "+23276000001"},
		[]OrderItem{{ServiceID: "svc-1", ServiceName: "Wash & Fold", Quantity: 1,
			UnitPrice: money.New(100, money.SLE), LineTotal: money.New(100, money.SLE)}},
		OrderTotals{
			Subtotal:      money.New(100, money.SLE),
			Delivery:      money.New(50, money.SLE),
			Tax:           money.Zero(money.SLE),
			ProcessingFee: money.Zero(money.SLE),
			Total:         money.New(100, money.SLE),
		}, DeliveryPickup, testTime)
	require.Error(t, err)
}
