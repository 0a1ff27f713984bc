package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transaction-service/pkg/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, account_number, customer_id, type, category, description, channel,
	amount, charges, total, balance_before, balance_after, status, idempotency_key,
	to_account, utr, mode, failure_reason, compensation_unresolved, created_at, updated_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t              models.Transaction
		before, after  decimal.NullDecimal
		idempotencyKey sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.AccountNumber, &t.CustomerID, &t.Type, &t.Category, &t.Description, &t.Channel,
		&t.Amount, &t.Charges, &t.Total, &before, &after, &t.Status, &idempotencyKey,
		&t.ToAccount, &t.UTR, &t.Mode, &t.FailureReason, &t.CompensationUnresolved, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if before.Valid {
		t.BalanceBefore = &before.Decimal
	}
	if after.Valid {
		t.BalanceAfter = &after.Decimal
	}
	if idempotencyKey.Valid {
		t.IdempotencyKey = &idempotencyKey.String
	}
	return &t, nil
}

func (s *Store) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.AccountNumber, t.CustomerID, t.Type, t.Category, t.Description, t.Channel,
		t.Amount, t.Charges, t.Total, nullDecimal(t.BalanceBefore), nullDecimal(t.BalanceAfter), t.Status,
		nullString(t.IdempotencyKey), t.ToAccount, t.UTR, t.Mode, t.FailureReason, t.CompensationUnresolved,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", models.ErrDuplicate, t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`

	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction by idempotency key: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	return updateTransaction(ctx, s.db, t)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// updateTransaction only touches non-terminal rows. When nothing is updated it
// tells a missing row apart from a terminal one.
func updateTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	query := `UPDATE transactions SET
			status = $2, balance_before = $3, balance_after = $4, failure_reason = $5,
			compensation_unresolved = $6, utr = $7, updated_at = $8
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED')`

	res, err := db.ExecContext(ctx, query,
		t.ID, t.Status, nullDecimal(t.BalanceBefore), nullDecimal(t.BalanceAfter), t.FailureReason,
		t.CompensationUnresolved, t.UTR, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status models.TransactionStatus
	err = db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, t.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: transaction %s", models.ErrNotFound, t.ID)
	}
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return fmt.Errorf("%w: transaction %s is %s", models.ErrTerminalState, t.ID, status)
}

func (s *Store) ListTransactions(ctx context.Context, account string, page models.Page) ([]*models.Transaction, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_number = $1`, account,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE account_number = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, account, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return out, total, nil
}

// filterClause renders filter as a WHERE clause starting at $1.
func filterClause(filter models.TransactionFilter) (string, []interface{}) {
	where := `WHERE account_number = $1`
	args := []interface{}{filter.AccountNumber}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", pq.Array(types))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if filter.Channel != models.ChannelNone {
		add("channel = $%d", string(filter.Channel))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	return where, args
}

func (s *Store) SumTransactions(ctx context.Context, filter models.TransactionFilter) (decimal.Decimal, error) {
	where, args := filterClause(filter)

	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total), 0) FROM transactions `+where, args...).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) SumTransactionsByCategory(ctx context.Context, filter models.TransactionFilter) (map[string]decimal.Decimal, error) {
	where, args := filterClause(filter)

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, SUM(total) FROM transactions `+where+` GROUP BY category`, args...)
	if err != nil {
		return nil, fmt.Errorf("sum transactions by category: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			category string
			sum      decimal.Decimal
		)
		if err := rows.Scan(&category, &sum); err != nil {
			return nil, fmt.Errorf("scan category sum: %w", err)
		}
		sums[category] = sum
	}
	return sums, rows.Err()
}
