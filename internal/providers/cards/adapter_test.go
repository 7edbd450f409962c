package cards

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/ledger/domain"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"transactionId":"TXN-1","status":"succeeded"}`)
	sig := Sign("whsec_test", body)

	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature("whsec_test", body, sig))
}

func TestSignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"transactionId":"TXN-1"}`)
	sig := Sign("whsec_test", body)

	assert.False(t, VerifySignature("whsec_other", body, sig))
}

func TestSignatureRejectsTamperedBody(t *testing.T) {
	sig := Sign("whsec_test", []byte(`{"amount":100}`))

	assert.False(t, VerifySignature("whsec_test", []byte(`{"amount":999}`), sig))
}

func TestSignatureRejectsEmpty(t *testing.T) {
	body := []byte(`{}`)

	assert.False(t, VerifySignature("", body, Sign("whsec_test", body)))
	assert.False(t, VerifySignature("whsec_test", body, ""))
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"transactionId": "TXN-01HV0",
		"paymentId": "PAY-01HV0",
		"status": "failed",
		"failureReason": "card declined",
		"timestamp": "2026-03-03T12:00:00Z"
	}`)

	event, err := ParseWebhook(body)
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderCard, event.Provider)
	assert.Equal(t, "PAY-01HV0", event.PaymentID)
	assert.Equal(t, "TXN-01HV0", event.ProviderTransactionID)
	assert.Equal(t, "failed", event.RawStatus)
	assert.Equal(t, "card declined", event.FailureReason)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), event.OccurredAt)
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	_, err := ParseWebhook([]byte("not json"))
	require.Error(t, err)
}
