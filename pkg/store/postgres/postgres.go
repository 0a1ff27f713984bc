// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/logging"
	"transaction-service/pkg/store"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

// Store persists ledger, saga, limit and schedule rows.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

var _ store.Store = (*Store)(nil)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "transactions",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// New opens a connection pool, pings it and creates the schema if missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewFromDB(db)
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	s.logger.Info("postgres store ready",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return s, nil
}

// NewFromDB wraps an existing pool. The schema is not touched.
func NewFromDB(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logging.L().Named("postgres"),
	}
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_number TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			amount NUMERIC(20,2) NOT NULL,
			charges NUMERIC(20,2) NOT NULL DEFAULT 0,
			total NUMERIC(20,2) NOT NULL,
			balance_before NUMERIC(20,2),
			balance_after NUMERIC(20,2),
			status TEXT NOT NULL,
			idempotency_key TEXT UNIQUE,
			to_account TEXT NOT NULL DEFAULT '',
			utr TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			compensation_unresolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_number, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transaction_sagas (
			saga_id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
			amount NUMERIC(20,2) NOT NULL,
			from_account TEXT NOT NULL,
			to_account TEXT NOT NULL,
			current_step TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			needs_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_status ON transaction_sagas(status)`,
		`CREATE TABLE IF NOT EXISTS transaction_limits (
			account_number TEXT PRIMARY KEY,
			daily_limit NUMERIC(20,2) NOT NULL,
			per_transaction_limit NUMERIC(20,2) NOT NULL,
			monthly_limit NUMERIC(20,2) NOT NULL,
			atm_limit NUMERIC(20,2) NOT NULL,
			online_shopping_limit NUMERIC(20,2) NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_transactions (
			id TEXT PRIMARY KEY,
			account_number TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			amount NUMERIC(20,2) NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			frequency TEXT NOT NULL,
			start_date DATE NOT NULL,
			end_date DATE,
			next_execution_date DATE NOT NULL,
			status TEXT NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			last_transaction_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON scheduled_transactions(status, next_execution_date)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
