// Package ledger records debits, credits and transfers. It owns the
// transaction rows; balances stay with the account service.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/idempotency"
	"transaction-service/pkg/lock"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transfers hands a freshly inserted TRANSFER row to the saga.
type Transfers interface {
	Start(ctx context.Context, tx *models.Transaction) (*models.TransactionSaga, error)
	RequestDebit(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
}

// LimitChecker evaluates an outflow against the account's caps.
type LimitChecker interface {
	Check(ctx context.Context, account string, amount decimal.Decimal, channel models.Channel) error
}

// TransactionCache is the read cache for terminal rows.
type TransactionCache interface {
	Get(ctx context.Context, id string) (*models.Transaction, error)
	Set(ctx context.Context, tx *models.Transaction) error
}

// Ledger is the entry point for every money movement.
type Ledger struct {
	store     store.TransactionStore
	guard     *idempotency.Guard
	limits    LimitChecker
	balance   balance.Service
	locker    lock.Locker
	transfers Transfers
	cache     TransactionCache
	charges   map[models.TransferMode]decimal.Decimal
	applyTTL  time.Duration
	now       func() time.Time
	metrics   metrics.Collector
	logger    *logging.Logger
}

// Config wires a Ledger. Store, Limits, Balance and Locker are required;
// Transfers is required for RecordTransfer.
type Config struct {
	Store     store.TransactionStore
	Limits    LimitChecker
	Balance   balance.Service
	Locker    lock.Locker
	Transfers Transfers

	// Cache serves GetTransaction for terminal rows (optional)
	Cache TransactionCache

	// Charges is the flat fee per transfer mode; missing modes are free
	Charges map[models.TransferMode]decimal.Decimal

	// BalanceTimeout bounds the account service call. The call is detached
	// from the request context: once the row is claimed the outcome must be
	// recorded even if the client goes away. Defaults to 15s.
	BalanceTimeout time.Duration

	Clock   func() time.Time
	Metrics metrics.Collector
}

// New creates a ledger.
func New(config Config) (*Ledger, error) {
	if config.Store == nil || config.Limits == nil || config.Balance == nil || config.Locker == nil {
		return nil, errors.New("ledger: store, limits, balance and locker are required")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.BalanceTimeout <= 0 {
		config.BalanceTimeout = 15 * time.Second
	}
	collector := metrics.OrNoOp(config.Metrics)

	return &Ledger{
		store:     config.Store,
		guard:     idempotency.NewGuard(config.Store, collector),
		limits:    config.Limits,
		balance:   config.Balance,
		locker:    config.Locker,
		transfers: config.Transfers,
		cache:     config.Cache,
		charges:   config.Charges,
		applyTTL:  config.BalanceTimeout,
		now:       config.Clock,
		metrics:   collector,
		logger:    logging.L().Named("ledger"),
	}, nil
}

// SetTransfers wires the saga after construction; the saga needs the
// ledger's store, so the two are built in sequence.
func (l *Ledger) SetTransfers(t Transfers) {
	l.transfers = t
}

// DebitRequest asks to take money out of an account.
type DebitRequest struct {
	AccountNumber  string
	CustomerID     string
	Amount         decimal.Decimal
	Category       string
	Description    string
	Channel        models.Channel
	IdempotencyKey *string
}

// CreditRequest asks to put money into an account.
type CreditRequest struct {
	AccountNumber  string
	CustomerID     string
	Amount         decimal.Decimal
	Category       string
	Description    string
	IdempotencyKey *string
}

// TransferRequest asks to move money between two accounts.
type TransferRequest struct {
	AccountNumber  string
	ToAccount      string
	CustomerID     string
	Amount         decimal.Decimal
	Mode           models.TransferMode
	Category       string
	Description    string
	IdempotencyKey *string
}

func validateAmount(amount decimal.Decimal) error {
	return models.ValidateAmount(amount)
}

func accountKey(account string) string {
	return "account:" + account
}

// RecordDebit applies a debit. When the account service refuses it, the
// FAILED row is returned together with the cause.
func (l *Ledger) RecordDebit(ctx context.Context, req DebitRequest) (*models.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := models.ValidateAccountNumber(req.AccountNumber); err != nil {
		return nil, err
	}
	if !req.Channel.Valid() {
		return nil, models.InvalidRequestf("unknown channel %q", req.Channel)
	}

	return l.record(ctx, models.TypeDebit, req.AccountNumber, req.IdempotencyKey, func() (*models.Transaction, error) {
		if err := l.limits.Check(ctx, req.AccountNumber, req.Amount, req.Channel); err != nil {
			return nil, err
		}
		tx := l.newTransaction(models.TypeDebit, req.AccountNumber, req.CustomerID, req.Amount, req.IdempotencyKey)
		tx.Category = req.Category
		tx.Description = req.Description
		tx.Channel = req.Channel
		return tx, nil
	}, l.balance.Debit)
}

// RecordCredit applies a credit.
func (l *Ledger) RecordCredit(ctx context.Context, req CreditRequest) (*models.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := models.ValidateAccountNumber(req.AccountNumber); err != nil {
		return nil, err
	}

	return l.record(ctx, models.TypeCredit, req.AccountNumber, req.IdempotencyKey, func() (*models.Transaction, error) {
		tx := l.newTransaction(models.TypeCredit, req.AccountNumber, req.CustomerID, req.Amount, req.IdempotencyKey)
		tx.Category = req.Category
		tx.Description = req.Description
		return tx, nil
	}, l.balance.Credit)
}

type movementFunc func(ctx context.Context, account string, amount decimal.Decimal, reference string) (balance.Movement, error)

// record runs the shared debit/credit flow under the account lock:
// idempotency lookup, build (limit checks included), insert PENDING,
// call the account service, finalize.
func (l *Ledger) record(ctx context.Context, txType models.TransactionType, account string, key *string,
	build func() (*models.Transaction, error), apply movementFunc) (*models.Transaction, error) {
	unlock, err := l.locker.Lock(ctx, accountKey(account))
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", account, err)
	}
	defer unlock()

	if existing, found, err := l.guard.Lookup(ctx, key); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}

	tx, err := build()
	if err != nil {
		l.metrics.RecordLedgerWrite(string(txType), metrics.OutcomeRejected)
		return nil, err
	}

	tx, replayed, err := l.guard.Claim(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if replayed {
		return tx, nil
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.applyTTL)
	defer cancel()
	movement, applyErr := apply(applyCtx, account, tx.Total, tx.ID)
	return l.finalize(ctx, tx, movement, applyErr)
}

// finalize persists the outcome of the balance call. The update runs even if
// ctx was cancelled meanwhile, so a row is never left PENDING by a client
// disconnect.
func (l *Ledger) finalize(ctx context.Context, tx *models.Transaction, movement balance.Movement, applyErr error) (*models.Transaction, error) {
	tx.UpdatedAt = l.now().UTC()
	outcome := metrics.OutcomeCreated
	if applyErr != nil {
		tx.Status = models.StatusFailed
		tx.FailureReason = failureReason(applyErr)
		outcome = metrics.OutcomeFailed
	} else {
		tx.Status = models.StatusSuccess
		tx.BalanceBefore = &movement.BalanceBefore
		tx.BalanceAfter = &movement.BalanceAfter
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.store.UpdateTransaction(persistCtx, tx); err != nil {
		l.logger.Error("failed to finalize transaction",
			logging.Transaction(tx.ID),
			zap.String("status", string(tx.Status)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("finalize transaction %s: %w", tx.ID, err)
	}
	l.metrics.RecordLedgerWrite(string(tx.Type), outcome)
	l.cacheTerminal(persistCtx, tx)

	if applyErr != nil {
		l.logger.Info("transaction failed",
			logging.Transaction(tx.ID),
			logging.Account(tx.AccountNumber),
			zap.String("type", string(tx.Type)),
			zap.String("error_class", models.Classify(applyErr)),
		)
		return tx, applyErr
	}

	l.logger.Info("transaction recorded",
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)
	return tx, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient balance"
	case errors.Is(err, models.ErrNotFound):
		return "account not found"
	case errors.Is(err, models.ErrExternalUnavailable):
		return "account service unavailable"
	default:
		return err.Error()
	}
}

// RecordTransfer inserts a TRANSFER row and starts its saga. The returned row
// is IN_PROGRESS once the debit command is out, or FAILED if it could not be sent.
func (l *Ledger) RecordTransfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := models.ValidateAccountNumber(req.AccountNumber); err != nil {
		return nil, err
	}
	if err := models.ValidateAccountNumber(req.ToAccount); err != nil {
		return nil, err
	}
	if req.ToAccount == req.AccountNumber {
		return nil, models.InvalidRequestf("cannot transfer to the same account")
	}
	if req.Mode == "" {
		req.Mode = models.ModeInternal
	}
	if !req.Mode.Valid() {
		return nil, models.InvalidRequestf("unknown transfer mode %q", req.Mode)
	}
	if l.transfers == nil {
		return nil, errors.New("ledger: transfers are not configured")
	}

	unlock, err := l.locker.Lock(ctx, accountKey(req.AccountNumber))
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", req.AccountNumber, err)
	}
	defer unlock()

	if existing, found, err := l.guard.Lookup(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}

	tx := l.newTransaction(models.TypeTransfer, req.AccountNumber, req.CustomerID, req.Amount, req.IdempotencyKey)
	tx.ToAccount = req.ToAccount
	tx.Mode = req.Mode
	tx.Category = req.Category
	tx.Description = req.Description
	tx.Charges = l.charges[req.Mode]
	tx.Total = tx.Amount.Add(tx.Charges)
	tx.UTR = newUTR(req.Mode, tx.ID, tx.CreatedAt)

	if err := l.limits.Check(ctx, req.AccountNumber, tx.Total, models.ChannelNone); err != nil {
		l.metrics.RecordLedgerWrite(string(models.TypeTransfer), metrics.OutcomeRejected)
		return nil, err
	}

	exists, err := l.balance.AccountExists(ctx, req.ToAccount)
	if err != nil {
		return nil, fmt.Errorf("check destination account: %w", err)
	}
	if !exists {
		l.metrics.RecordLedgerWrite(string(models.TypeTransfer), metrics.OutcomeRejected)
		return nil, models.InvalidRequestf("destination account %s does not exist", req.ToAccount)
	}

	tx, replayed, err := l.guard.Claim(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if replayed {
		return tx, nil
	}

	if _, err := l.transfers.Start(ctx, tx); err != nil {
		return l.abandonTransfer(ctx, tx, fmt.Errorf("start transfer saga: %w", err))
	}
	tx, err = l.transfers.RequestDebit(ctx, tx)
	if err != nil {
		l.metrics.RecordLedgerWrite(string(models.TypeTransfer), metrics.OutcomeFailed)
		return tx, err
	}

	l.metrics.RecordLedgerWrite(string(models.TypeTransfer), metrics.OutcomeCreated)
	l.logger.Info("transfer initiated",
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.String("to_account", tx.ToAccount),
		zap.String("mode", string(tx.Mode)),
		zap.String("status", string(tx.Status)),
	)
	return tx, nil
}

// abandonTransfer fails a claimed TRANSFER row that never got a saga, so it
// stops counting toward the limits. The update is detached from ctx.
func (l *Ledger) abandonTransfer(ctx context.Context, tx *models.Transaction, cause error) (*models.Transaction, error) {
	l.metrics.RecordLedgerWrite(string(models.TypeTransfer), metrics.OutcomeFailed)

	tx.Status = models.StatusFailed
	tx.FailureReason = failureReason(cause)
	tx.UpdatedAt = l.now().UTC()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.UpdateTransaction(persistCtx, tx); err != nil {
		l.logger.Error("failed to abandon transfer without saga",
			logging.Transaction(tx.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w (row left pending: %v)", cause, err)
	}

	l.logger.Warn("transfer abandoned before saga start",
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.Error(cause),
	)
	l.cacheTerminal(persistCtx, tx)
	return tx, cause
}

// GetTransaction serves terminal rows from the cache and everything else
// from the store.
func (l *Ledger) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if id == "" {
		return nil, models.InvalidRequestf("transaction id is required")
	}

	if l.cache != nil {
		if tx, err := l.cache.Get(ctx, id); err == nil {
			return tx, nil
		}
	}

	tx, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	l.cacheTerminal(ctx, tx)
	return tx, nil
}

func (l *Ledger) cacheTerminal(ctx context.Context, tx *models.Transaction) {
	if l.cache == nil || !tx.Status.IsTerminal() {
		return
	}
	if err := l.cache.Set(ctx, tx); err != nil {
		l.logger.Debug("cache set failed", logging.Transaction(tx.ID), zap.Error(err))
	}
}

func (l *Ledger) newTransaction(txType models.TransactionType, account, customer string, amount decimal.Decimal, key *string) *models.Transaction {
	now := l.now().UTC()
	return &models.Transaction{
		ID:             uuid.Must(uuid.NewV7()).String(),
		AccountNumber:  account,
		CustomerID:     customer,
		Type:           txType,
		Amount:         amount,
		Charges:        decimal.Zero,
		Total:          amount,
		Status:         models.StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// newUTR builds a unique transaction reference: mode, date and the random
// tail of the transaction id.
func newUTR(mode models.TransferMode, id string, at time.Time) string {
	tail := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	return fmt.Sprintf("%s%s%s", mode, at.Format("20060102"), tail)
}
