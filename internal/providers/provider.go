// Package providers defines the uniform contract over the heterogeneous
// payment rails and the canonical form their callbacks are reduced to.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/ledger/domain"
)

// ErrUnavailable signals that the rail cannot be reached or is not
// configured. Callers fall back to manual instructions instead of failing
// the payment outright.
var ErrUnavailable = errors.New("provider unavailable")

// Payer is the contact initiating a payment.
type Payer struct {
	Name  string
	Phone string
	Email string
}

// Initiation is the client continuation data returned by a rail. Exactly
// one of the continuation fields is set depending on the rail.
type Initiation struct {
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	ClientSecret          string `json:"client_secret,omitempty"`
	RedirectURL           string `json:"redirect_url,omitempty"`
	Instructions          string `json:"instructions,omitempty"`
	Reference             string `json:"reference,omitempty"`
	// Manual marks initiations that require the customer to act out of
	// band (USSD dial, bank counter). No callback is guaranteed.
	Manual bool `json:"manual"`
}

// Adapter is implemented once per rail.
type Adapter interface {
	Name() domain.Provider
	// Initiate starts collection for a pending payment.
	Initiate(ctx context.Context, payment *domain.Payment, payer Payer) (*Initiation, error)
	// Cancel voids a payment on the provider side where the rail supports
	// it. Rails without a void path return nil.
	Cancel(ctx context.Context, payment *domain.Payment) error
}

// CallbackEvent is the canonical form every provider callback is reduced to
// before it reaches reconciliation.
type CallbackEvent struct {
	Provider              domain.Provider
	PaymentID             string
	ProviderTransactionID string
	RawStatus             string
	FailureReason         string
	OccurredAt            time.Time
}

// feeBasisPoints is the processing fee charged per rail, in basis points of
// the order total.
var feeBasisPoints = map[domain.Provider]int64{
	domain.ProviderCard:         290,
	domain.ProviderWallet:       350,
	domain.ProviderOrangeMoney:  200,
	domain.ProviderAfrimoney:    250,
	domain.ProviderQMoney:       200,
	domain.ProviderBankTransfer: 0,
}

// Fee computes the processing fee for collecting amount over the rail.
func Fee(provider domain.Provider, amount money.Money) money.Money {
	return amount.Percentage(feeBasisPoints[provider])
}

// statusMappings translates each rail's reported statuses into the
// canonical payment statuses. Unknown values map to processing so an odd
// provider payload can never fabricate a settlement or a failure.
var statusMappings = map[domain.Provider]map[string]domain.PaymentStatus{
	domain.ProviderCard: {
		"requires_action": domain.PaymentProcessing,
		"processing":      domain.PaymentProcessing,
		"succeeded":       domain.PaymentCompleted,
		"failed":          domain.PaymentFailed,
		"canceled":        domain.PaymentCancelled,
	},
	domain.ProviderWallet: {
		"PENDING":   domain.PaymentProcessing,
		"COMPLETED": domain.PaymentCompleted,
		"DECLINED":  domain.PaymentFailed,
		"EXPIRED":   domain.PaymentFailed,
	},
	domain.ProviderOrangeMoney: {
		"INITIATED":   domain.PaymentProcessing,
		"PENDING":     domain.PaymentProcessing,
		"SUCCESSFULL": domain.PaymentCompleted,
		"SUCCESSFUL":  domain.PaymentCompleted,
		"FAILED":      domain.PaymentFailed,
		"EXPIRED":     domain.PaymentFailed,
	},
	domain.ProviderAfrimoney: {
		"pending":   domain.PaymentProcessing,
		"success":   domain.PaymentCompleted,
		"completed": domain.PaymentCompleted,
		"failed":    domain.PaymentFailed,
		"timeout":   domain.PaymentFailed,
	},
	domain.ProviderQMoney: {
		"PENDING": domain.PaymentProcessing,
		"SUCCESS": domain.PaymentCompleted,
		"FAILURE": domain.PaymentFailed,
	},
	domain.ProviderBankTransfer: {
		"received":  domain.PaymentProcessing,
		"confirmed": domain.PaymentCompleted,
		"rejected":  domain.PaymentFailed,
	},
}

// MapStatus translates a provider-reported status into the canonical enum.
// Unrecognized statuses resolve to processing, never to a terminal state.
func MapStatus(provider domain.Provider, raw string) domain.PaymentStatus {
	if mapped, ok := statusMappings[provider][raw]; ok {
		return mapped
	}
	return domain.PaymentProcessing
}

// ValidateMappings verifies at startup that every mapping table targets only
// canonical statuses and that every rail has a table.
func ValidateMappings() error {
	for _, provider := range domain.Providers() {
		table, ok := statusMappings[provider]
		if !ok {
			return fmt.Errorf("provider %s has no status mapping table", provider)
		}
		for raw, mapped := range table {
			if !domain.ValidPaymentStatus(mapped) {
				return fmt.Errorf("provider %s maps %q to unknown status %q", provider, raw, mapped)
			}
		}
	}
	return nil
}

// Registry resolves adapters by rail.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry builds a registry and validates the status mapping tables.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	if err := ValidateMappings(); err != nil {
		return nil, err
	}
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r, nil
}

// Get returns the adapter for a rail.
func (r *Registry) Get(provider domain.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", provider)
	}
	return a, nil
}
