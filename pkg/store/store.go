// Package store defines the persistence contracts of the transaction service.
//
// Every implementation must honour the same rules:
//   - InsertTransaction fails with models.ErrDuplicate when the id or the
//     idempotency key already exists
//   - UpdateTransaction fails with models.ErrTerminalState when the stored row
//     is SUCCESS or FAILED
//   - missing records are reported as models.ErrNotFound
//   - returned values are copies; callers may mutate them freely
package store

import (
	"context"
	"time"

	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

// TransactionStore persists ledger rows.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error

	// ListTransactions returns one page of an account's rows, newest first,
	// together with the account's total row count.
	ListTransactions(ctx context.Context, account string, page models.Page) ([]*models.Transaction, int, error)

	// SumTransactions adds up Total over the rows matching filter.
	SumTransactions(ctx context.Context, filter models.TransactionFilter) (decimal.Decimal, error)

	// SumTransactionsByCategory groups SumTransactions by the raw category.
	SumTransactionsByCategory(ctx context.Context, filter models.TransactionFilter) (map[string]decimal.Decimal, error)
}

// SagaStore persists transfer sagas.
type SagaStore interface {
	// CreateSaga fails with models.ErrDuplicate if the transaction already has a saga.
	CreateSaga(ctx context.Context, saga *models.TransactionSaga) error
	GetSagaByTransaction(ctx context.Context, transactionID string) (*models.TransactionSaga, error)

	// SaveSaga updates the saga and, when tx is non-nil, the transaction in a
	// single atomic step.
	SaveSaga(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error

	// ListActiveSagas returns sagas whose status is IN_PROGRESS, oldest first.
	ListActiveSagas(ctx context.Context) ([]*models.TransactionSaga, error)

	// ListManualReview returns sagas flagged for manual review, oldest first.
	ListManualReview(ctx context.Context) ([]*models.TransactionSaga, error)

	// ListOrphanTransfers returns PENDING TRANSFER rows created before
	// cutoff that have no saga, oldest first.
	ListOrphanTransfers(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error)
}

// LimitStore persists per-account limit configuration.
type LimitStore interface {
	GetLimit(ctx context.Context, account string) (*models.TransactionLimit, error)
	UpsertLimit(ctx context.Context, limit *models.TransactionLimit) error
}

// ScheduleStore persists scheduled transactions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.ScheduledTransaction) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduledTransaction, error)
	UpdateSchedule(ctx context.Context, s *models.ScheduledTransaction) error
	ListSchedules(ctx context.Context, account string) ([]*models.ScheduledTransaction, error)

	// ListDueSchedules returns ACTIVE schedules with NextExecutionDate on or
	// before today, ordered by account, due date and creation time.
	ListDueSchedules(ctx context.Context, today time.Time) ([]*models.ScheduledTransaction, error)
}

// Store groups every contract. Both implementations satisfy it.
type Store interface {
	TransactionStore
	SagaStore
	LimitStore
	ScheduleStore
	Close() error
}

// Matches reports whether tx satisfies filter. Implementations without a
// query language share it.
func Matches(filter models.TransactionFilter, tx *models.Transaction) bool {
	if filter.AccountNumber != "" && tx.AccountNumber != filter.AccountNumber {
		return false
	}
	if len(filter.Types) > 0 && !containsType(filter.Types, tx.Type) {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, tx.Status) {
		return false
	}
	if filter.Channel != models.ChannelNone && tx.Channel != filter.Channel {
		return false
	}
	if !filter.From.IsZero() && tx.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !tx.CreatedAt.Before(filter.To) {
		return false
	}
	return true
}

func containsType(types []models.TransactionType, t models.TransactionType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.TransactionStatus, s models.TransactionStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
