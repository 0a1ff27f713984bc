package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SagaStep is the last recorded step of a transfer saga.
type SagaStep string

const (
	StepInitiated   SagaStep = "INITIATED"
	StepDebitSent   SagaStep = "DEBIT_SENT"
	StepDebitDone   SagaStep = "DEBIT_DONE"
	StepCreditSent  SagaStep = "CREDIT_SENT"
	StepCreditDone  SagaStep = "CREDIT_DONE"
	StepCompensated SagaStep = "COMPENSATED"
	StepCompleted   SagaStep = "COMPLETED"
	StepFailed      SagaStep = "FAILED"
)

// IsTerminal reports whether the step ends the saga.
func (s SagaStep) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCompensated
}

// SagaStatus is the coarse outcome of a saga.
type SagaStatus string

const (
	SagaInProgress SagaStatus = "IN_PROGRESS"
	SagaCompleted  SagaStatus = "COMPLETED"
	SagaFailed     SagaStatus = "FAILED"
)

// TransactionSaga tracks a TRANSFER across the external balance service.
// It is one-to-one with its transaction.
type TransactionSaga struct {
	SagaID            string          `json:"saga_id"`
	TransactionID     string          `json:"transaction_id"`
	Amount            decimal.Decimal `json:"amount"`
	FromAccount       string          `json:"from_account"`
	ToAccount         string          `json:"to_account"`
	CurrentStep       SagaStep        `json:"current_step"`
	Status            SagaStatus      `json:"status"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	NeedsManualReview bool            `json:"needs_manual_review,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand out of a store.
func (s *TransactionSaga) Clone() *TransactionSaga {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
