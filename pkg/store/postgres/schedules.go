package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/models"
)

const scheduleColumns = `id, account_number, customer_id, amount, type, category, description, frequency,
	start_date, end_date, next_execution_date, status, execution_count, last_transaction_id,
	failure_reason, created_at, updated_at`

func scanSchedule(row rowScanner) (*models.ScheduledTransaction, error) {
	var (
		st      models.ScheduledTransaction
		endDate sql.NullTime
	)
	err := row.Scan(
		&st.ID, &st.AccountNumber, &st.CustomerID, &st.Amount, &st.Type, &st.Category, &st.Description, &st.Frequency,
		&st.StartDate, &endDate, &st.NextExecutionDate, &st.Status, &st.ExecutionCount, &st.LastTransactionID,
		&st.FailureReason, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.StartDate = models.Date(st.StartDate)
	st.NextExecutionDate = models.Date(st.NextExecutionDate)
	if endDate.Valid {
		d := models.Date(endDate.Time)
		st.EndDate = &d
	}
	return &st, nil
}

func (s *Store) CreateSchedule(ctx context.Context, st *models.ScheduledTransaction) error {
	query := `INSERT INTO scheduled_transactions (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := s.db.ExecContext(ctx, query,
		st.ID, st.AccountNumber, st.CustomerID, st.Amount, st.Type, st.Category, st.Description, st.Frequency,
		st.StartDate, nullTime(st.EndDate), st.NextExecutionDate, st.Status, st.ExecutionCount, st.LastTransactionID,
		st.FailureReason, st.CreatedAt, st.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: schedule %s", models.ErrDuplicate, st.ID)
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	st, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return st, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, st *models.ScheduledTransaction) error {
	query := `UPDATE scheduled_transactions SET
			next_execution_date = $2, status = $3, execution_count = $4, last_transaction_id = $5,
			failure_reason = $6, updated_at = $7
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		st.ID, st.NextExecutionDate, st.Status, st.ExecutionCount, st.LastTransactionID,
		st.FailureReason, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: schedule %s", models.ErrNotFound, st.ID)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, account string) ([]*models.ScheduledTransaction, error) {
	return s.listSchedules(ctx, `WHERE account_number = $1 ORDER BY next_execution_date, created_at`, account)
}

func (s *Store) ListDueSchedules(ctx context.Context, today time.Time) ([]*models.ScheduledTransaction, error) {
	return s.listSchedules(ctx,
		`WHERE status = 'ACTIVE' AND next_execution_date <= $1
		ORDER BY account_number, next_execution_date, created_at`,
		models.Date(today))
}

func (s *Store) listSchedules(ctx context.Context, clause string, args ...interface{}) ([]*models.ScheduledTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_transactions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledTransaction
	for rows.Next() {
		st, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
