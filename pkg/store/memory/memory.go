// Package memory is an in-process store.Store used by tests and by the
// service when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"github.com/shopspring/decimal"
)

// Store keeps every record in maps guarded by one RWMutex, which makes
// SaveSaga atomic for free.
type Store struct {
	mu sync.RWMutex

	transactions map[string]*models.Transaction
	idempotency  map[string]string                  // key -> transaction id
	sagas        map[string]*models.TransactionSaga // transaction id -> saga
	limits       map[string]*models.TransactionLimit
	schedules    map[string]*models.ScheduledTransaction
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		transactions: make(map[string]*models.Transaction),
		idempotency:  make(map[string]string),
		sagas:        make(map[string]*models.TransactionSaga),
		limits:       make(map[string]*models.TransactionLimit),
		schedules:    make(map[string]*models.ScheduledTransaction),
	}
}

func (s *Store) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s", models.ErrDuplicate, tx.ID)
	}
	if tx.IdempotencyKey != nil {
		if _, exists := s.idempotency[*tx.IdempotencyKey]; exists {
			return fmt.Errorf("%w: idempotency key %s", models.ErrDuplicate, *tx.IdempotencyKey)
		}
		s.idempotency[*tx.IdempotencyKey] = tx.ID
	}
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", models.ErrNotFound, key)
	}
	return s.transactions[id].Clone(), nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTransactionLocked(tx)
}

func (s *Store) updateTransactionLocked(tx *models.Transaction) error {
	current, ok := s.transactions[tx.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", models.ErrNotFound, tx.ID)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is %s", models.ErrTerminalState, tx.ID, current.Status)
	}
	// id, account and idempotency key are fixed at insert
	updated := tx.Clone()
	updated.AccountNumber = current.AccountNumber
	updated.IdempotencyKey = current.IdempotencyKey
	updated.CreatedAt = current.CreatedAt
	s.transactions[tx.ID] = updated
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, account string, page models.Page) ([]*models.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*models.Transaction
	for _, tx := range s.transactions {
		if tx.AccountNumber == account {
			rows = append(rows, tx)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	total := len(rows)
	start := page.Offset
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}

	out := make([]*models.Transaction, 0, end-start)
	for _, tx := range rows[start:end] {
		out = append(out, tx.Clone())
	}
	return out, total, nil
}

func (s *Store) SumTransactions(ctx context.Context, filter models.TransactionFilter) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range s.transactions {
		if store.Matches(filter, tx) {
			sum = sum.Add(tx.Total)
		}
	}
	return sum, nil
}

func (s *Store) SumTransactionsByCategory(ctx context.Context, filter models.TransactionFilter) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal)
	for _, tx := range s.transactions {
		if store.Matches(filter, tx) {
			sums[tx.Category] = sums[tx.Category].Add(tx.Total)
		}
	}
	return sums, nil
}

func (s *Store) CreateSaga(ctx context.Context, saga *models.TransactionSaga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[saga.TransactionID]; exists {
		return fmt.Errorf("%w: saga for transaction %s", models.ErrDuplicate, saga.TransactionID)
	}
	s.sagas[saga.TransactionID] = saga.Clone()
	return nil
}

func (s *Store) GetSagaByTransaction(ctx context.Context, transactionID string) (*models.TransactionSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saga, ok := s.sagas[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: saga for transaction %s", models.ErrNotFound, transactionID)
	}
	return saga.Clone(), nil
}

func (s *Store) SaveSaga(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sagas[saga.TransactionID]; !ok {
		return fmt.Errorf("%w: saga for transaction %s", models.ErrNotFound, saga.TransactionID)
	}
	if tx != nil {
		if err := s.updateTransactionLocked(tx); err != nil {
			return err
		}
	}
	s.sagas[saga.TransactionID] = saga.Clone()
	return nil
}

func (s *Store) ListActiveSagas(ctx context.Context) ([]*models.TransactionSaga, error) {
	return s.listSagas(func(saga *models.TransactionSaga) bool {
		return saga.Status == models.SagaInProgress
	}), nil
}

func (s *Store) ListManualReview(ctx context.Context) ([]*models.TransactionSaga, error) {
	return s.listSagas(func(saga *models.TransactionSaga) bool {
		return saga.NeedsManualReview
	}), nil
}

func (s *Store) ListOrphanTransfers(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Transaction
	for _, tx := range s.transactions {
		if tx.Type != models.TypeTransfer || tx.Status != models.StatusPending || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		if _, ok := s.sagas[tx.ID]; ok {
			continue
		}
		out = append(out, tx.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) listSagas(match func(*models.TransactionSaga) bool) []*models.TransactionSaga {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TransactionSaga
	for _, saga := range s.sagas {
		if match(saga) {
			out = append(out, saga.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) GetLimit(ctx context.Context, account string) (*models.TransactionLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit, ok := s.limits[account]
	if !ok {
		return nil, fmt.Errorf("%w: limits for %s", models.ErrNotFound, account)
	}
	c := *limit
	return &c, nil
}

func (s *Store) UpsertLimit(ctx context.Context, limit *models.TransactionLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *limit
	s.limits[limit.AccountNumber] = &c
	return nil
}

func (s *Store) CreateSchedule(ctx context.Context, sched *models.ScheduledTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("%w: schedule %s", models.ErrDuplicate, sched.ID)
	}
	s.schedules[sched.ID] = sched.Clone()
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: schedule %s", models.ErrNotFound, id)
	}
	return sched.Clone(), nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *models.ScheduledTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return fmt.Errorf("%w: schedule %s", models.ErrNotFound, sched.ID)
	}
	s.schedules[sched.ID] = sched.Clone()
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, account string) ([]*models.ScheduledTransaction, error) {
	return s.listSchedules(func(sched *models.ScheduledTransaction) bool {
		return sched.AccountNumber == account
	}), nil
}

func (s *Store) ListDueSchedules(ctx context.Context, today time.Time) ([]*models.ScheduledTransaction, error) {
	today = models.Date(today)
	return s.listSchedules(func(sched *models.ScheduledTransaction) bool {
		return sched.Status == models.ScheduleActive && !sched.NextExecutionDate.After(today)
	}), nil
}

func (s *Store) listSchedules(match func(*models.ScheduledTransaction) bool) []*models.ScheduledTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ScheduledTransaction
	for _, sched := range s.schedules {
		if match(sched) {
			out = append(out, sched.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AccountNumber != b.AccountNumber {
			return a.AccountNumber < b.AccountNumber
		}
		if !a.NextExecutionDate.Equal(b.NextExecutionDate) {
			return a.NextExecutionDate.Before(b.NextExecutionDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
