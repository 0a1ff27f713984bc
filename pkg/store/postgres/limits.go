package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transaction-service/pkg/models"
)

func (s *Store) GetLimit(ctx context.Context, account string) (*models.TransactionLimit, error) {
	query := `SELECT account_number, daily_limit, per_transaction_limit, monthly_limit,
			atm_limit, online_shopping_limit, updated_at
		FROM transaction_limits WHERE account_number = $1`

	var l models.TransactionLimit
	err := s.db.QueryRowContext(ctx, query, account).Scan(
		&l.AccountNumber, &l.DailyLimit, &l.PerTransactionLimit, &l.MonthlyLimit,
		&l.ATMLimit, &l.OnlineShoppingLimit, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: limits for %s", models.ErrNotFound, account)
	}
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	return &l, nil
}

func (s *Store) UpsertLimit(ctx context.Context, l *models.TransactionLimit) error {
	query := `INSERT INTO transaction_limits (account_number, daily_limit, per_transaction_limit,
			monthly_limit, atm_limit, online_shopping_limit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_number) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			per_transaction_limit = EXCLUDED.per_transaction_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			atm_limit = EXCLUDED.atm_limit,
			online_shopping_limit = EXCLUDED.online_shopping_limit,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		l.AccountNumber, l.DailyLimit, l.PerTransactionLimit, l.MonthlyLimit,
		l.ATMLimit, l.OnlineShoppingLimit, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert limits: %w", err)
	}
	return nil
}
