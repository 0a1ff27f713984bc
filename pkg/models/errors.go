package models

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Domain errors. Callers wrap these with context and test with errors.Is.
var (
	// ErrInvalidRequest is returned for malformed input; never retried
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientBalance is returned when the balance service refuses a debit
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrLimitExceeded is returned when a transaction limit would be breached
	ErrLimitExceeded = errors.New("transaction limit exceeded")

	// ErrExternalUnavailable is returned when the balance service or the
	// command channel cannot be reached; the only retryable error
	ErrExternalUnavailable = errors.New("external service unavailable")

	// ErrCompensationFailed marks a reversal that could not be applied
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by stores on a uniqueness conflict
	ErrDuplicate = errors.New("duplicate record")

	// ErrTerminalState is returned when updating a SUCCESS/FAILED transaction
	ErrTerminalState = errors.New("record is in a terminal state")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrForbidden is returned when the caller does not own the resource
	ErrForbidden = errors.New("forbidden")
)

// LimitError describes which limit was breached.
type LimitError struct {
	Limit     string `json:"limit"`
	Cap       string `json:"cap"`
	Attempted string `json:"attempted"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s limit %s would be exceeded (attempted %s)", ErrLimitExceeded, e.Limit, e.Cap, e.Attempted)
}

// Unwrap lets errors.Is match ErrLimitExceeded.
func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// InvalidRequestf builds an ErrInvalidRequest with a formatted reason.
func InvalidRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalUnavailable)
}

// Classify returns a short label for err, used as a metrics label and for
// mapping to transport status codes.
func Classify(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, ErrExternalUnavailable):
		return "external_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidTransition):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}

var accountNumberPattern = regexp.MustCompile(`^[A-Z0-9]{6,34}$`)

// ValidateAccountNumber rejects empty or malformed account numbers.
func ValidateAccountNumber(account string) error {
	if !accountNumberPattern.MatchString(account) {
		return InvalidRequestf("malformed account number %q", account)
	}
	return nil
}

// MoneyScale is the number of decimal places money is stored with.
const MoneyScale = 2

// maxAmount is the first value that no longer fits NUMERIC(20,2).
var maxAmount = decimal.New(1, 18)

// ValidateAmount checks that amount is positive and representable at
// MoneyScale without rounding.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return InvalidRequestf("amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return InvalidRequestf("amount %s has more than %d decimal places", amount, MoneyScale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return InvalidRequestf("amount %s is too large", amount)
	}
	return nil
}
