package recon_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/ledger/store"
	"paycore/internal/providers"
	"paycore/internal/recon"
)

var testTime = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type capturingPublisher struct {
	envelopes []*events.Envelope
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, env *events.Envelope) error {
	p.envelopes = append(p.envelopes, env)
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Dispatch(context.Context, string, string, map[string]string) {}

type fixture struct {
	svc      *ledger.Service
	pipeline *recon.Pipeline
	pub      *capturingPublisher
	order    *domain.Order
	payment  *domain.Payment
}

// newFixture builds a ledger holding one order (total 100,000) and one
// processing afrimoney payment of 102,500 with provider txn id MM-1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &capturingPublisher{}

	svc := ledger.NewService(store.NewMemory(), pub, noopNotifier{}, logger).
		WithClock(func() time.Time { return testTime })

	order, err := svc.CreateOrder(ctx, ledger.CreateOrderRequest{
		Customer: domain.Customer{Name: "Aminata", Phone: "+23276000001"},
		Items: []domain.OrderItem{{
			ServiceID:   "svc-1",
			ServiceName: "Wash & Fold",
			Quantity:    1,
			UnitPrice:   money.New(100000, money.SLE),
			LineTotal:   money.New(100000, money.SLE),
		}},
		Totals: domain.OrderTotals{
			Subtotal:      money.New(100000, money.SLE),
			Delivery:      money.Zero(money.SLE),
			Tax:           money.Zero(money.SLE),
			ProcessingFee: money.Zero(money.SLE),
			Total:         money.New(100000, money.SLE),
		},
	})
	require.NoError(t, err)

	payment, err := domain.NewPayment("PAY-1", order.ID, domain.ProviderAfrimoney, money.New(102500, money.SLE), testTime)
	require.NoError(t, err)
	require.NoError(t, svc.CreatePayment(ctx, payment))
	payment, err = svc.TransitionPayment(ctx, payment.ID, domain.PaymentProcessing, "MM-1", "", testTime)
	require.NoError(t, err)

	pipeline := recon.New(svc, pub, logger).WithClock(func() time.Time { return testTime })
	return &fixture{svc: svc, pipeline: pipeline, pub: pub, order: order, payment: payment}
}

func successEvent(f *fixture) *providers.CallbackEvent {
	return &providers.CallbackEvent{
		Provider:              domain.ProviderAfrimoney,
		PaymentID:             f.payment.ID,
		ProviderTransactionID: "MM-1",
		RawStatus:             "success",
		OccurredAt:            testTime.Add(time.Minute),
	}
}

func TestDuplicateCallbackSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.pipeline.Process(ctx, successEvent(f))
	require.NoError(t, err)
	assert.Equal(t, recon.ResultApplied, result)

	result, err = f.pipeline.Process(ctx, successEvent(f))
	require.NoError(t, err)
	assert.Equal(t, recon.ResultDuplicate, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)

	order, err := f.svc.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)
}

func TestUnknownPaymentDiscarded(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Process(context.Background(), &providers.CallbackEvent{
		Provider:              domain.ProviderAfrimoney,
		PaymentID:             "PAY-nope",
		ProviderTransactionID: "MM-nope",
		RawStatus:             "success",
	})
	require.NoError(t, err)
	assert.Equal(t, recon.ResultUnknown, result)
}

func TestResolveByProviderTransactionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := successEvent(f)
	event.PaymentID = ""

	result, err := f.pipeline.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, recon.ResultApplied, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
}

func TestUnrecognizedStatusMapsToProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := successEvent(f)
	event.RawStatus = "WEIRD_NEW_STATE"

	// Payment is already processing, so the mapped status ranks equal and
	// the event is treated as a replay. An odd payload can never settle or
	// fail a payment.
	result, err := f.pipeline.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, recon.ResultDuplicate, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, p.Status)
}

func TestFailureCallbackRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := successEvent(f)
	event.RawStatus = "failed"
	event.FailureReason = "insufficient funds"

	result, err := f.pipeline.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, recon.ResultApplied, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Equal(t, "insufficient funds", p.FailureReason)

	order, err := f.svc.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
}

func TestLateSuccessAfterFailureDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fail := successEvent(f)
	fail.RawStatus = "failed"
	_, err := f.pipeline.Process(ctx, fail)
	require.NoError(t, err)

	result, err := f.pipeline.Process(ctx, successEvent(f))
	require.NoError(t, err)
	assert.Equal(t, recon.ResultDuplicate, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
}

func TestProviderMismatchDiscarded(t *testing.T) {
	f := newFixture(t)

	event := successEvent(f)
	event.Provider = domain.ProviderQMoney
	event.RawStatus = "SUCCESS"

	result, err := f.pipeline.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, recon.ResultUnknown, result)
}

func TestForeignTransactionIDDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A valid payment id paired with another payment's transaction id must
	// not settle the payment or reassign its transaction id.
	event := successEvent(f)
	event.ProviderTransactionID = "MM-999"

	result, err := f.pipeline.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, recon.ResultUnknown, result)

	p, err := f.svc.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, p.Status)
	assert.Equal(t, "MM-1", p.ProviderTransactionID)
}

func TestManualSettlementStepsThroughProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Bank transfers have no push acknowledgment: the payment sits pending
	// until an operator confirms receipt. Settlement still has to record the
	// processing step on the way to completed.
	manual, err := domain.NewPayment("PAY-BT", f.order.ID, domain.ProviderBankTransfer,
		money.New(100000, money.SLE), testTime)
	require.NoError(t, err)
	require.NoError(t, f.svc.CreatePayment(ctx, manual))

	result, err := f.pipeline.Process(ctx, &providers.CallbackEvent{
		Provider:              domain.ProviderBankTransfer,
		PaymentID:             manual.ID,
		ProviderTransactionID: "BT-1",
		RawStatus:             "confirmed",
		OccurredAt:            testTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, recon.ResultApplied, result)

	p, err := f.svc.GetPayment(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, "BT-1", p.ProviderTransactionID)
	require.NotNil(t, p.CompletedAt)

	order, err := f.svc.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)
}

func TestSecondPaymentCannotSettleSameOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, successEvent(f))
	require.NoError(t, err)

	second, err := domain.NewPayment("PAY-2", f.order.ID, domain.ProviderAfrimoney, money.New(102500, money.SLE), testTime)
	require.NoError(t, err)
	require.NoError(t, f.svc.CreatePayment(ctx, second))
	_, err = f.svc.TransitionPayment(ctx, second.ID, domain.PaymentProcessing, "MM-2", "", testTime)
	require.NoError(t, err)

	result, err := f.pipeline.Process(ctx, &providers.CallbackEvent{
		Provider:              domain.ProviderAfrimoney,
		PaymentID:             second.ID,
		ProviderTransactionID: "MM-2",
		RawStatus:             "success",
	})
	require.NoError(t, err)
	assert.Equal(t, recon.ResultRejected, result)

	p, err := f.svc.GetPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, p.Status)
}

func TestSecurityEventPublished(t *testing.T) {
	f := newFixture(t)

	f.pipeline.RecordSecurityEvent(context.Background(), "webhook-signature-failure", "203.0.113.9",
		map[string]string{"provider": "card"})

	var found bool
	for _, env := range f.pub.envelopes {
		if env.Type == events.EventSecurity {
			found = true
			var se events.SecurityEvent
			require.NoError(t, env.DecodeData(&se))
			assert.Equal(t, "webhook-signature-failure", se.Kind)
			assert.Equal(t, "203.0.113.9", se.IPAddress)
		}
	}
	assert.True(t, found)
}
