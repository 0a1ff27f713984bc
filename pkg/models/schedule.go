package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the recurrence step of a scheduled transaction.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// Advance returns date moved forward by one step of f.
// Month and year steps clamp to the last day of the target month,
// so Jan 31 + 1 month is Feb 28 (or 29).
func (f Frequency) Advance(date time.Time) time.Time {
	date = Date(date)
	switch f {
	case FrequencyDaily:
		return date.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return date.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return addMonthsClamped(date, 1)
	case FrequencyYearly:
		return addMonthsClamped(date, 12)
	default:
		return date
	}
}

func addMonthsClamped(date time.Time, months int) time.Time {
	y, m, d := date.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ScheduleStatus is the lifecycle state of a scheduled transaction.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	SchedulePaused    ScheduleStatus = "PAUSED"
	ScheduleCompleted ScheduleStatus = "COMPLETED"
	ScheduleFailed    ScheduleStatus = "FAILED"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// ScheduledTransaction is a recurring debit or credit executed by the runner.
type ScheduledTransaction struct {
	ID                string          `json:"id"`
	AccountNumber     string          `json:"account_number"`
	CustomerID        string          `json:"customer_id"`
	Amount            decimal.Decimal `json:"amount"`
	Type              TransactionType `json:"type"`
	Category          string          `json:"category,omitempty"`
	Description       string          `json:"description,omitempty"`
	Frequency         Frequency       `json:"frequency"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	NextExecutionDate time.Time       `json:"next_execution_date"`
	Status            ScheduleStatus  `json:"status"`
	ExecutionCount    int             `json:"execution_count"`
	LastTransactionID string          `json:"last_transaction_id,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand out of a store.
func (s *ScheduledTransaction) Clone() *ScheduledTransaction {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndDate != nil {
		v := *s.EndDate
		c.EndDate = &v
	}
	return &c
}
