package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the kind of money movement a transaction records.
type TransactionType string

const (
	TypeDebit    TransactionType = "DEBIT"
	TypeCredit   TransactionType = "CREDIT"
	TypeTransfer TransactionType = "TRANSFER"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusInProgress TransactionStatus = "IN_PROGRESS"
	StatusSuccess    TransactionStatus = "SUCCESS"
	StatusFailed     TransactionStatus = "FAILED"
)

// IsTerminal reports whether no further updates are allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransferMode is the payment rail a transfer is sent over.
type TransferMode string

const (
	ModeInternal TransferMode = "INTERNAL"
	ModeIMPS     TransferMode = "IMPS"
	ModeNEFT     TransferMode = "NEFT"
	ModeRTGS     TransferMode = "RTGS"
	ModeUPI      TransferMode = "UPI"
)

// Valid reports whether m is a known transfer mode.
func (m TransferMode) Valid() bool {
	switch m {
	case ModeInternal, ModeIMPS, ModeNEFT, ModeRTGS, ModeUPI:
		return true
	}
	return false
}

// Channel identifies where a debit originated. Channel caps apply to ATM and ONLINE.
type Channel string

const (
	ChannelNone   Channel = ""
	ChannelATM    Channel = "ATM"
	ChannelOnline Channel = "ONLINE"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelNone || c == ChannelATM || c == ChannelOnline
}

// CategoryOthers is the analytics bucket for transactions without a category.
const CategoryOthers = "OTHERS"

// Transaction is a single money-movement record in the ledger.
type Transaction struct {
	ID             string            `json:"id"`
	AccountNumber  string            `json:"account_number"`
	CustomerID     string            `json:"customer_id"`
	Type           TransactionType   `json:"type"`
	Category       string            `json:"category,omitempty"`
	Description    string            `json:"description,omitempty"`
	Channel        Channel           `json:"channel,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Charges        decimal.Decimal   `json:"charges"`
	Total          decimal.Decimal   `json:"total"`
	BalanceBefore  *decimal.Decimal  `json:"balance_before,omitempty"`
	BalanceAfter   *decimal.Decimal  `json:"balance_after,omitempty"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`

	// Transfer-only fields
	ToAccount string       `json:"to_account,omitempty"`
	UTR       string       `json:"utr,omitempty"`
	Mode      TransferMode `json:"mode,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	// CompensationUnresolved is set when a reversal after a failed transfer
	// credit could not be applied and the record needs manual review.
	CompensationUnresolved bool `json:"compensation_unresolved,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOutflow reports whether the transaction moves money out of its account.
func (t *Transaction) IsOutflow() bool {
	return t.Type == TypeDebit || t.Type == TypeTransfer
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.BalanceBefore != nil {
		v := *t.BalanceBefore
		c.BalanceBefore = &v
	}
	if t.BalanceAfter != nil {
		v := *t.BalanceAfter
		c.BalanceAfter = &v
	}
	if t.IdempotencyKey != nil {
		v := *t.IdempotencyKey
		c.IdempotencyKey = &v
	}
	return &c
}

// TransactionFilter narrows ledger scans used by limits and analytics.
type TransactionFilter struct {
	AccountNumber string
	Types         []TransactionType
	Statuses      []TransactionStatus
	Channel       Channel
	From          time.Time // inclusive
	To            time.Time // exclusive
}

// Page is a window over an account's history.
type Page struct {
	Offset int
	Limit  int
}
