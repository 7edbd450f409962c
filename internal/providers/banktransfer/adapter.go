// Package banktransfer handles manual bank transfer payments. There is no
// provider API: the customer receives the business account details and a
// unique reference, and an operator confirms receipt through the admin
// callback once the transfer lands.
package banktransfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"paycore/internal/ledger/domain"
	"paycore/internal/providers"
)

// Config holds the receiving account details.
type Config struct {
	BankName      string `envconfig:"BANK_TRANSFER_BANK_NAME" default:"Union Trust Bank"`
	AccountName   string `envconfig:"BANK_TRANSFER_ACCOUNT_NAME"`
	AccountNumber string `envconfig:"BANK_TRANSFER_ACCOUNT_NUMBER"`
}

// Adapter implements the bank transfer rail.
type Adapter struct {
	config Config
	logger *slog.Logger
}

// NewAdapter creates a bank transfer adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{config: cfg, logger: logger}
}

// Name returns the rail identifier.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderBankTransfer
}

// Initiate issues transfer instructions with a unique reference the operator
// matches the incoming transfer against.
func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment, payer providers.Payer) (*providers.Initiation, error) {
	reference := "BT-" + ulid.Make().String()

	instructions := fmt.Sprintf(
		"Transfer %s to %s, account %s (%s). Use reference %s. Your order is confirmed once the transfer is verified.",
		payment.Amount.String(),
		a.config.BankName, a.config.AccountNumber, a.config.AccountName,
		reference,
	)

	a.logger.Info("bank transfer instructions issued",
		"payment_id", payment.ID,
		"reference", reference,
	)

	return &providers.Initiation{
		Reference:    reference,
		Instructions: instructions,
		Manual:       true,
	}, nil
}

// Cancel is a no-op: nothing was initiated on any provider side.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	return nil
}
