// Package messaging carries transfer commands to the account service and
// brings its outcome events back. Delivery is at least once in both
// directions; consumers must tolerate duplicates.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Step names the half of a transfer a message belongs to.
type Step string

const (
	StepDebit  Step = "DEBIT"
	StepCredit Step = "CREDIT"
)

// Outcome is the result the account service reports for a command.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Command asks the account service to apply one step of a transfer.
// Reference is unique per step, so the account service can de-duplicate.
type Command struct {
	TransactionID string          `json:"transaction_id"`
	SagaID        string          `json:"saga_id"`
	Step          Step            `json:"step"`
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// Event reports the outcome of a Command.
type Event struct {
	TransactionID string           `json:"transaction_id"`
	Step          Step             `json:"step"`
	Status        Outcome          `json:"status"`
	BalanceBefore *decimal.Decimal `json:"balance_before,omitempty"`
	BalanceAfter  *decimal.Decimal `json:"balance_after,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Validate rejects events that cannot be routed to a saga.
func (e Event) Validate() error {
	if e.TransactionID == "" {
		return ErrMalformed
	}
	if e.Step != StepDebit && e.Step != StepCredit {
		return ErrMalformed
	}
	if e.Status != OutcomeSuccess && e.Status != OutcomeFailed {
		return ErrMalformed
	}
	return nil
}

var (
	// ErrMalformed marks a message that can never be processed; it is
	// dropped rather than redelivered
	ErrMalformed = errors.New("messaging: malformed message")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("messaging: closed")
)

// Publisher sends commands. A nil error means the broker accepted the message.
type Publisher interface {
	PublishCommand(ctx context.Context, cmd Command) error
}

// Handler processes one event. Returning an error asks for redelivery.
type Handler func(ctx context.Context, event Event) error

// Subscriber delivers events to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}
