package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionLimit holds the per-account caps checked before a debit or transfer.
type TransactionLimit struct {
	AccountNumber       string          `json:"account_number"`
	DailyLimit          decimal.Decimal `json:"daily_limit"`
	PerTransactionLimit decimal.Decimal `json:"per_transaction_limit"`
	MonthlyLimit        decimal.Decimal `json:"monthly_limit"`
	ATMLimit            decimal.Decimal `json:"atm_limit"`
	OnlineShoppingLimit decimal.Decimal `json:"online_shopping_limit"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// DefaultTransactionLimit returns the caps applied when an account has no
// stored configuration. Values are in account currency units.
func DefaultTransactionLimit(account string) TransactionLimit {
	return TransactionLimit{
		AccountNumber:       account,
		DailyLimit:          decimal.NewFromInt(100000),
		PerTransactionLimit: decimal.NewFromInt(50000),
		MonthlyLimit:        decimal.NewFromInt(1000000),
		ATMLimit:            decimal.NewFromInt(25000),
		OnlineShoppingLimit: decimal.NewFromInt(30000),
	}
}

// Validate checks that every cap is strictly positive and fits MoneyScale.
func (l TransactionLimit) Validate() error {
	if err := ValidateAccountNumber(l.AccountNumber); err != nil {
		return err
	}
	caps := map[string]decimal.Decimal{
		"daily":           l.DailyLimit,
		"per_transaction": l.PerTransactionLimit,
		"monthly":         l.MonthlyLimit,
		"atm":             l.ATMLimit,
		"online_shopping": l.OnlineShoppingLimit,
	}
	for name, v := range caps {
		if !v.IsPositive() {
			return InvalidRequestf("%s limit must be greater than zero", name)
		}
		if err := ValidateAmount(v); err != nil {
			return fmt.Errorf("%s limit: %w", name, err)
		}
	}
	return nil
}
