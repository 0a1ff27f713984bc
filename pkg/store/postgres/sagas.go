package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/models"

	"go.uber.org/zap"
)

const sagaColumns = `saga_id, transaction_id, amount, from_account, to_account, current_step,
	status, failure_reason, needs_manual_review, created_at, updated_at`

func scanSaga(row rowScanner) (*models.TransactionSaga, error) {
	var sg models.TransactionSaga
	err := row.Scan(
		&sg.SagaID, &sg.TransactionID, &sg.Amount, &sg.FromAccount, &sg.ToAccount, &sg.CurrentStep,
		&sg.Status, &sg.FailureReason, &sg.NeedsManualReview, &sg.CreatedAt, &sg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *Store) CreateSaga(ctx context.Context, sg *models.TransactionSaga) error {
	query := `INSERT INTO transaction_sagas (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		sg.SagaID, sg.TransactionID, sg.Amount, sg.FromAccount, sg.ToAccount, sg.CurrentStep,
		sg.Status, sg.FailureReason, sg.NeedsManualReview, sg.CreatedAt, sg.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: saga for transaction %s", models.ErrDuplicate, sg.TransactionID)
	}
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

func (s *Store) GetSagaByTransaction(ctx context.Context, transactionID string) (*models.TransactionSaga, error) {
	query := `SELECT ` + sagaColumns + ` FROM transaction_sagas WHERE transaction_id = $1`

	sg, err := scanSaga(s.db.QueryRowContext(ctx, query, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: saga for transaction %s", models.ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query saga: %w", err)
	}
	return sg, nil
}

// SaveSaga writes the saga and the optional transaction in one database transaction.
func (s *Store) SaveSaga(ctx context.Context, sg *models.TransactionSaga, tx *models.Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saga update: %w", err)
	}
	defer func() {
		if err := dbTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("saga update rollback failed", zap.Error(err))
		}
	}()

	if tx != nil {
		if err := updateTransaction(ctx, dbTx, tx); err != nil {
			return err
		}
	}

	res, err := dbTx.ExecContext(ctx, `UPDATE transaction_sagas SET
			current_step = $2, status = $3, failure_reason = $4, needs_manual_review = $5, updated_at = $6
		WHERE transaction_id = $1`,
		sg.TransactionID, sg.CurrentStep, sg.Status, sg.FailureReason, sg.NeedsManualReview, sg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: saga for transaction %s", models.ErrNotFound, sg.TransactionID)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit saga update: %w", err)
	}
	return nil
}

func (s *Store) ListActiveSagas(ctx context.Context) ([]*models.TransactionSaga, error) {
	return s.listSagas(ctx, `WHERE status = 'IN_PROGRESS'`)
}

func (s *Store) ListManualReview(ctx context.Context) ([]*models.TransactionSaga, error) {
	return s.listSagas(ctx, `WHERE needs_manual_review`)
}

func (s *Store) ListOrphanTransfers(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions t
		WHERE t.type = 'TRANSFER' AND t.status = 'PENDING' AND t.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM transaction_sagas sg WHERE sg.transaction_id = t.id)
		ORDER BY t.created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list orphan transfers: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) listSagas(ctx context.Context, where string) ([]*models.TransactionSaga, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sagaColumns+` FROM transaction_sagas `+where+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var out []*models.TransactionSaga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}
