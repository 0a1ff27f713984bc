// Package limits enforces per-account caps on outgoing money.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limit names reported in models.LimitError and metrics.
const (
	LimitPerTransaction = "per_transaction"
	LimitDaily          = "daily"
	LimitMonthly        = "monthly"
	LimitATM            = "atm"
	LimitOnlineShopping = "online_shopping"
)

// outflowTypes and countedStatuses select the rows that use up a cap:
// every DEBIT and TRANSFER that has not failed.
var (
	outflowTypes    = []models.TransactionType{models.TypeDebit, models.TypeTransfer}
	countedStatuses = []models.TransactionStatus{models.StatusPending, models.StatusInProgress, models.StatusSuccess}
)

// Enforcer checks a prospective outflow against the account's caps. Callers
// hold the account lock so the sums cannot move between check and insert.
type Enforcer struct {
	store    store.LimitStore
	ledger   store.TransactionStore
	defaults models.TransactionLimit
	now      func() time.Time
	metrics  metrics.Collector
	logger   *logging.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithDefaults replaces the caps used for accounts with no stored configuration.
func WithDefaults(defaults models.TransactionLimit) Option {
	return func(e *Enforcer) { e.defaults = defaults }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithMetrics sets the collector for rejections.
func WithMetrics(collector metrics.Collector) Option {
	return func(e *Enforcer) { e.metrics = metrics.OrNoOp(collector) }
}

// NewEnforcer creates an enforcer reading configuration from ls and
// cumulative usage from ts.
func NewEnforcer(ls store.LimitStore, ts store.TransactionStore, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:    ls,
		ledger:   ts,
		defaults: models.DefaultTransactionLimit(""),
		now:      time.Now,
		metrics:  metrics.NoOpCollector{},
		logger:   logging.L().Named("limits"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the stored limits for account, or the defaults.
func (e *Enforcer) Get(ctx context.Context, account string) (models.TransactionLimit, error) {
	if err := models.ValidateAccountNumber(account); err != nil {
		return models.TransactionLimit{}, err
	}

	stored, err := e.store.GetLimit(ctx, account)
	if errors.Is(err, models.ErrNotFound) {
		limit := e.defaults
		limit.AccountNumber = account
		return limit, nil
	}
	if err != nil {
		return models.TransactionLimit{}, fmt.Errorf("load limits: %w", err)
	}
	return *stored, nil
}

// Set stores limit after validating that every cap is positive.
func (e *Enforcer) Set(ctx context.Context, limit models.TransactionLimit) (models.TransactionLimit, error) {
	if err := limit.Validate(); err != nil {
		return models.TransactionLimit{}, err
	}
	limit.UpdatedAt = e.now().UTC()

	if err := e.store.UpsertLimit(ctx, &limit); err != nil {
		return models.TransactionLimit{}, fmt.Errorf("save limits: %w", err)
	}

	e.logger.Info("limits updated",
		logging.Account(limit.AccountNumber),
		zap.String("daily", limit.DailyLimit.String()),
		zap.String("per_transaction", limit.PerTransactionLimit.String()),
	)
	return limit, nil
}

// Check returns a *models.LimitError for the first cap amount would breach,
// evaluated in order: per-transaction, daily, monthly, then the channel cap.
func (e *Enforcer) Check(ctx context.Context, account string, amount decimal.Decimal, channel models.Channel) error {
	limit, err := e.Get(ctx, account)
	if err != nil {
		return err
	}

	if amount.GreaterThan(limit.PerTransactionLimit) {
		return e.reject(account, LimitPerTransaction, limit.PerTransactionLimit, amount)
	}

	now := e.now().UTC()
	dayStart := models.Date(now)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := e.usage(ctx, account, models.ChannelNone, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if attempted := daily.Add(amount); attempted.GreaterThan(limit.DailyLimit) {
		return e.reject(account, LimitDaily, limit.DailyLimit, attempted)
	}

	monthly, err := e.usage(ctx, account, models.ChannelNone, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		return err
	}
	if attempted := monthly.Add(amount); attempted.GreaterThan(limit.MonthlyLimit) {
		return e.reject(account, LimitMonthly, limit.MonthlyLimit, attempted)
	}

	var (
		name       string
		channelCap decimal.Decimal
	)
	switch channel {
	case models.ChannelATM:
		name, channelCap = LimitATM, limit.ATMLimit
	case models.ChannelOnline:
		name, channelCap = LimitOnlineShopping, limit.OnlineShoppingLimit
	default:
		return nil
	}

	used, err := e.usage(ctx, account, channel, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if attempted := used.Add(amount); attempted.GreaterThan(channelCap) {
		return e.reject(account, name, channelCap, attempted)
	}
	return nil
}

func (e *Enforcer) usage(ctx context.Context, account string, channel models.Channel, from, to time.Time) (decimal.Decimal, error) {
	sum, err := e.ledger.SumTransactions(ctx, models.TransactionFilter{
		AccountNumber: account,
		Types:         outflowTypes,
		Statuses:      countedStatuses,
		Channel:       channel,
		From:          from,
		To:            to,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum usage: %w", err)
	}
	return sum, nil
}

func (e *Enforcer) reject(account, name string, limitCap, attempted decimal.Decimal) error {
	e.metrics.RecordLimitRejection(name)
	e.logger.Info("limit exceeded",
		logging.Account(account),
		zap.String("limit", name),
		zap.String("cap", limitCap.String()),
		zap.String("attempted", attempted.String()),
	)
	return &models.LimitError{Limit: name, Cap: limitCap.String(), Attempted: attempted.String()}
}
