// Package query serves read-only views over the ledger: paged history, the
// mini statement and monthly spending analytics.
package query

import (
	"context"
	"fmt"
	"time"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize   = 20
	MaxPageSize       = 100
	MiniStatementSize = 5
)

// spendingTypes and spendingStatuses select what counts as money spent.
var (
	spendingTypes    = []models.TransactionType{models.TypeDebit, models.TypeTransfer}
	spendingStatuses = []models.TransactionStatus{models.StatusSuccess}
)

// Service answers history and analytics queries.
type Service struct {
	store   store.TransactionStore
	balance balance.Service
	logger  *logging.Logger
}

// New creates a query service.
func New(ts store.TransactionStore, bs balance.Service) *Service {
	return &Service{
		store:   ts,
		balance: bs,
		logger:  logging.L().Named("query"),
	}
}

// HistoryPage is one page of an account's transactions, newest first.
type HistoryPage struct {
	AccountNumber string                `json:"account_number"`
	Transactions  []*models.Transaction `json:"transactions"`
	Page          int                   `json:"page"`
	Limit         int                   `json:"limit"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}

// History returns page (1-based) of an account's transactions. A zero limit
// means DefaultPageSize; limits above MaxPageSize are clamped.
func (s *Service) History(ctx context.Context, account string, page, limit int) (HistoryPage, error) {
	if err := models.ValidateAccountNumber(account); err != nil {
		return HistoryPage{}, err
	}
	if page < 1 {
		return HistoryPage{}, models.InvalidRequestf("page must be at least 1")
	}
	switch {
	case limit == 0:
		limit = DefaultPageSize
	case limit < 0:
		return HistoryPage{}, models.InvalidRequestf("limit must be positive")
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	rows, total, err := s.store.ListTransactions(ctx, account, models.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if rows == nil {
		rows = []*models.Transaction{}
	}

	return HistoryPage{
		AccountNumber: account,
		Transactions:  rows,
		Page:          page,
		Limit:         limit,
		Total:         total,
		HasMore:       total > page*limit,
	}, nil
}

// MiniStatement is the latest activity together with the live balance.
type MiniStatement struct {
	AccountNumber string                `json:"account_number"`
	Balance       decimal.Decimal       `json:"balance"`
	Transactions  []*models.Transaction `json:"transactions"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// MiniStatement returns the last MiniStatementSize transactions and the
// current balance from the account service.
func (s *Service) MiniStatement(ctx context.Context, account string) (MiniStatement, error) {
	if err := models.ValidateAccountNumber(account); err != nil {
		return MiniStatement{}, err
	}

	var (
		rows    []*models.Transaction
		current decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, _, err = s.store.ListTransactions(gctx, account, models.Page{Limit: MiniStatementSize})
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		current, err = s.balance.GetBalance(gctx, account)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("mini statement failed", logging.Account(account), zap.Error(err))
		return MiniStatement{}, err
	}
	if rows == nil {
		rows = []*models.Transaction{}
	}

	return MiniStatement{
		AccountNumber: account,
		Balance:       current,
		Transactions:  rows,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// MonthlyAnalytics is an account's spending in one calendar month.
type MonthlyAnalytics struct {
	AccountNumber string                     `json:"account_number"`
	Year          int                        `json:"year"`
	Month         int                        `json:"month"`
	TotalSpent    decimal.Decimal            `json:"total_spent"`
	ByCategory    map[string]decimal.Decimal `json:"by_category"`
}

// MonthlyAnalytics sums the totals of successful debits and transfers made
// in the given UTC month, broken down by category. Uncategorized spending is
// reported under models.CategoryOthers.
func (s *Service) MonthlyAnalytics(ctx context.Context, account string, year, month int) (MonthlyAnalytics, error) {
	if err := models.ValidateAccountNumber(account); err != nil {
		return MonthlyAnalytics{}, err
	}
	if month < 1 || month > 12 {
		return MonthlyAnalytics{}, models.InvalidRequestf("month must be between 1 and 12, got %d", month)
	}
	if year < 1 || year > 9999 {
		return MonthlyAnalytics{}, models.InvalidRequestf("invalid year %d", year)
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	sums, err := s.store.SumTransactionsByCategory(ctx, models.TransactionFilter{
		AccountNumber: account,
		Types:         spendingTypes,
		Statuses:      spendingStatuses,
		From:          from,
		To:            from.AddDate(0, 1, 0),
	})
	if err != nil {
		return MonthlyAnalytics{}, fmt.Errorf("sum by category: %w", err)
	}

	result := MonthlyAnalytics{
		AccountNumber: account,
		Year:          year,
		Month:         month,
		TotalSpent:    decimal.Zero,
		ByCategory:    make(map[string]decimal.Decimal, len(sums)),
	}
	for category, amount := range sums {
		if category == "" {
			category = models.CategoryOthers
		}
		result.ByCategory[category] = result.ByCategory[category].Add(amount)
		result.TotalSpent = result.TotalSpent.Add(amount)
	}
	return result, nil
}
