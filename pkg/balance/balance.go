// Package balance talks to the account service that owns live balances.
// The ledger never computes balances itself; it records what this service
// reports.
package balance

import (
	"context"

	"github.com/shopspring/decimal"
)

// Movement is the balance before and after an applied debit or credit.
type Movement struct {
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// Service is the boundary to the account balance service.
//
// Debit and Credit carry a reference that the account service uses to
// de-duplicate, so a retried call applies at most once.
//
// Errors: models.ErrNotFound for an unknown account,
// models.ErrInsufficientBalance when a debit is refused and
// models.ErrExternalUnavailable when the service cannot be reached.
type Service interface {
	Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error)
	Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error)
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
	AccountExists(ctx context.Context, account string) (bool, error)

	// GetOwner returns the customer id owning account.
	GetOwner(ctx context.Context, account string) (string, error)
}
