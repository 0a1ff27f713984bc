// Package saga drives a TRANSFER through the account service: debit the
// source, credit the destination, and reverse the debit if the credit fails.
//
// Every step is persisted before the next external call, so a restarted
// service can pick up where it stopped (see Resume). Events arrive at least
// once and possibly out of order; an event that does not fit the saga's
// current step is acknowledged and ignored.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/lock"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/messaging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/resilience"
	"transaction-service/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.SagaStore
	store.TransactionStore
}

// TransactionCache receives transfers once they reach a terminal state.
type TransactionCache interface {
	Set(ctx context.Context, tx *models.Transaction) error
}

// Config wires an Orchestrator. Store, Publisher, Balance and Locker are required.
type Config struct {
	Store     Store
	Publisher messaging.Publisher
	Balance   balance.Service
	Locker    lock.Locker
	Cache     TransactionCache

	// Publish configures retries of command publishing
	Publish resilience.ResilientConfig

	// StaleAfter is how long a saga may wait for an event before Resume
	// reports it (default: 15m)
	StaleAfter time.Duration

	// OrphanAfter is how old a PENDING transfer without a saga must be
	// before Resume fails it (default: 1m)
	OrphanAfter time.Duration

	Clock   func() time.Time
	Metrics metrics.Collector
}

// Orchestrator runs transfer sagas.
type Orchestrator struct {
	store      Store
	publisher  messaging.Publisher
	balance    balance.Service
	locker     lock.Locker
	cache      TransactionCache
	publish    *resilience.Executor
	staleAfter time.Duration
	orphanAge  time.Duration
	now        func() time.Time
	metrics    metrics.Collector
	logger     *logging.Logger
}

// New creates an orchestrator.
func New(config Config) (*Orchestrator, error) {
	if config.Store == nil || config.Publisher == nil || config.Balance == nil || config.Locker == nil {
		return nil, errors.New("saga: store, publisher, balance and locker are required")
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 15 * time.Minute
	}
	if config.OrphanAfter <= 0 {
		config.OrphanAfter = time.Minute
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Publish.Retry.MaxAttempts == 0 {
		config.Publish = resilience.DefaultResilientConfig()
	}
	config.Publish.Retry.Retryable = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, messaging.ErrClosed)
	}
	collector := metrics.OrNoOp(config.Metrics)

	return &Orchestrator{
		store:      config.Store,
		publisher:  config.Publisher,
		balance:    config.Balance,
		locker:     config.Locker,
		cache:      config.Cache,
		publish:    resilience.NewExecutor("broker", config.Publish, collector),
		staleAfter: config.StaleAfter,
		orphanAge:  config.OrphanAfter,
		now:        config.Clock,
		metrics:    collector,
		logger:     logging.L().Named("saga"),
	}, nil
}

func sagaKey(transactionID string) string {
	return "saga:" + transactionID
}

// Start creates the saga for tx at INITIATED.
func (o *Orchestrator) Start(ctx context.Context, tx *models.Transaction) (*models.TransactionSaga, error) {
	if tx.Type != models.TypeTransfer {
		return nil, models.InvalidRequestf("transaction %s is not a transfer", tx.ID)
	}

	now := o.now().UTC()
	saga := &models.TransactionSaga{
		SagaID:        uuid.Must(uuid.NewV7()).String(),
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		FromAccount:   tx.AccountNumber,
		ToAccount:     tx.ToAccount,
		CurrentStep:   models.StepInitiated,
		Status:        models.SagaInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateSaga(ctx, saga); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	o.metrics.RecordSagaTransition(string(models.StepInitiated))
	o.logger.Info("saga started",
		logging.Saga(saga.SagaID),
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
	)
	return saga, nil
}

// RequestDebit publishes the debit command. The returned transaction is
// IN_PROGRESS on success; if publishing is exhausted it is FAILED and the
// error wraps models.ErrExternalUnavailable.
func (o *Orchestrator) RequestDebit(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, sagaKey(tx.ID))
	if err != nil {
		return nil, fmt.Errorf("lock saga: %w", err)
	}
	defer unlock()

	saga, err := o.store.GetSagaByTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	current, err := o.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if saga.CurrentStep != models.StepInitiated {
		return current, nil
	}
	return o.sendDebit(ctx, saga, current)
}

// sendDebit must be called with the saga lock held.
func (o *Orchestrator) sendDebit(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) (*models.Transaction, error) {
	cmd := messaging.Command{
		TransactionID: tx.ID,
		SagaID:        saga.SagaID,
		Step:          messaging.StepDebit,
		Account:       tx.AccountNumber,
		Amount:        tx.Total,
		Reference:     tx.ID + ":debit",
		IssuedAt:      o.now().UTC(),
	}

	if pubErr := o.publishCommand(ctx, cmd); pubErr != nil {
		reason := "debit request failed: " + pubErr.Error()
		o.transition(saga, models.StepFailed, models.SagaFailed)
		saga.FailureReason = reason
		tx.Status = models.StatusFailed
		tx.FailureReason = reason
		tx.UpdatedAt = saga.UpdatedAt

		if err := o.save(ctx, saga, tx); err != nil {
			return nil, err
		}
		o.logger.Warn("transfer failed before debit",
			logging.Saga(saga.SagaID),
			logging.Transaction(tx.ID),
			zap.Error(pubErr),
		)
		return tx, fmt.Errorf("%w: publish debit command: %v", models.ErrExternalUnavailable, pubErr)
	}

	o.transition(saga, models.StepDebitSent, models.SagaInProgress)
	tx.Status = models.StatusInProgress
	tx.UpdatedAt = saga.UpdatedAt
	if err := o.save(ctx, saga, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// HandleEvent advances the saga the event belongs to. A returned error means
// the event could not be processed yet and should be redelivered.
func (o *Orchestrator) HandleEvent(ctx context.Context, event messaging.Event) error {
	if err := event.Validate(); err != nil {
		o.logger.Warn("ignoring malformed event", zap.Any("event", event))
		return nil
	}

	unlock, err := o.locker.Lock(ctx, sagaKey(event.TransactionID))
	if err != nil {
		return fmt.Errorf("lock saga: %w", err)
	}
	defer unlock()

	saga, err := o.store.GetSagaByTransaction(ctx, event.TransactionID)
	if errors.Is(err, models.ErrNotFound) {
		o.logger.Warn("event for unknown saga", logging.Transaction(event.TransactionID))
		return nil
	}
	if err != nil {
		return err
	}

	if lateDebit(saga, event) {
		tx, err := o.store.GetTransaction(ctx, event.TransactionID)
		if err != nil {
			return err
		}
		return o.reverseLateDebit(ctx, saga, tx)
	}

	if !accepts(saga.CurrentStep, event.Step) {
		o.logger.Debug("ignoring out-of-step event",
			logging.Saga(saga.SagaID),
			zap.String("current_step", string(saga.CurrentStep)),
			zap.String("event_step", string(event.Step)),
			zap.String("event_status", string(event.Status)),
		)
		return nil
	}

	tx, err := o.store.GetTransaction(ctx, event.TransactionID)
	if err != nil {
		return err
	}

	switch {
	case event.Step == messaging.StepDebit && event.Status == messaging.OutcomeSuccess:
		return o.onDebitDone(ctx, saga, tx, event)
	case event.Step == messaging.StepDebit:
		return o.onDebitFailed(ctx, saga, tx, event)
	case event.Status == messaging.OutcomeSuccess:
		return o.onCreditDone(ctx, saga, tx)
	default:
		return o.compensate(ctx, saga, tx, "credit failed: "+event.FailureReason)
	}
}

// accepts reports whether an event for step fits a saga at current. The
// *_SENT predecessor is included to cover a crash between publish and persist.
func accepts(current models.SagaStep, step messaging.Step) bool {
	switch step {
	case messaging.StepDebit:
		return current == models.StepInitiated || current == models.StepDebitSent
	case messaging.StepCredit:
		return current == models.StepDebitDone || current == models.StepCreditSent
	}
	return false
}

// lateDebit reports a debit confirmed after the saga had already failed
// without debiting, e.g. a publish that timed out but was delivered. Sagas
// failed by a broken reversal are already flagged and excluded.
func lateDebit(saga *models.TransactionSaga, event messaging.Event) bool {
	return event.Step == messaging.StepDebit &&
		event.Status == messaging.OutcomeSuccess &&
		saga.CurrentStep == models.StepFailed &&
		!saga.NeedsManualReview
}

// reverseLateDebit returns a late debit to the source account. The
// transaction is already FAILED and stays untouched; only the saga moves.
func (o *Orchestrator) reverseLateDebit(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	o.logger.Warn("debit confirmed after transfer failed, reversing",
		logging.Saga(saga.SagaID),
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.String("amount", tx.Total.String()),
	)

	_, reversalErr := o.balance.Credit(ctx, tx.AccountNumber, tx.Total, tx.ID+":reversal")
	if reversalErr == nil {
		o.transition(saga, models.StepCompensated, models.SagaFailed)
		saga.FailureReason += "; late debit reversed"
		return o.save(ctx, saga, nil)
	}

	saga.NeedsManualReview = true
	saga.UpdatedAt = o.now().UTC()
	saga.FailureReason += "; late debit: " + models.ErrCompensationFailed.Error() + ": " + reversalErr.Error()
	if err := o.save(ctx, saga, nil); err != nil {
		return err
	}

	o.metrics.RecordCompensationFailure()
	o.logger.Error("COMPENSATION FAILED: manual review required",
		logging.Saga(saga.SagaID),
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.String("amount", tx.Total.String()),
		zap.String("cause", "late debit"),
		zap.Error(reversalErr),
	)
	return nil
}

func (o *Orchestrator) onDebitDone(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction, event messaging.Event) error {
	o.transition(saga, models.StepDebitDone, models.SagaInProgress)
	tx.Status = models.StatusInProgress
	tx.BalanceBefore = event.BalanceBefore
	tx.BalanceAfter = event.BalanceAfter
	tx.UpdatedAt = saga.UpdatedAt
	if err := o.save(ctx, saga, tx); err != nil {
		return err
	}
	return o.requestCredit(ctx, saga, tx)
}

func (o *Orchestrator) onDebitFailed(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction, event messaging.Event) error {
	reason := "debit failed"
	if event.FailureReason != "" {
		reason += ": " + event.FailureReason
	}

	o.transition(saga, models.StepFailed, models.SagaFailed)
	saga.FailureReason = reason
	tx.Status = models.StatusFailed
	tx.FailureReason = reason
	tx.UpdatedAt = saga.UpdatedAt
	if err := o.save(ctx, saga, tx); err != nil {
		return err
	}

	o.logger.Info("transfer failed at debit", logging.Saga(saga.SagaID), logging.Transaction(tx.ID), zap.String("reason", reason))
	o.cacheTerminal(ctx, tx)
	return nil
}

// requestCredit must be called with the saga lock held and the saga at DEBIT_DONE.
func (o *Orchestrator) requestCredit(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	cmd := messaging.Command{
		TransactionID: tx.ID,
		SagaID:        saga.SagaID,
		Step:          messaging.StepCredit,
		Account:       tx.ToAccount,
		Amount:        tx.Amount,
		Reference:     tx.ID + ":credit",
		IssuedAt:      o.now().UTC(),
	}

	if err := o.publishCommand(ctx, cmd); err != nil {
		return o.compensate(ctx, saga, tx, "credit request failed: "+err.Error())
	}

	o.transition(saga, models.StepCreditSent, models.SagaInProgress)
	return o.save(ctx, saga, nil)
}

func (o *Orchestrator) onCreditDone(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	o.transition(saga, models.StepCreditDone, models.SagaInProgress)
	if err := o.save(ctx, saga, nil); err != nil {
		return err
	}
	return o.complete(ctx, saga, tx)
}

func (o *Orchestrator) complete(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	o.transition(saga, models.StepCompleted, models.SagaCompleted)
	tx.Status = models.StatusSuccess
	tx.UpdatedAt = saga.UpdatedAt
	if err := o.save(ctx, saga, tx); err != nil {
		return err
	}

	o.logger.Info("transfer completed",
		logging.Saga(saga.SagaID),
		logging.Transaction(tx.ID),
		zap.String("amount", tx.Amount.String()),
	)
	o.cacheTerminal(ctx, tx)
	return nil
}

// compensate credits the debited total back to the source account. There
// is no automatic retry: a failed reversal is left for manual review.
func (o *Orchestrator) compensate(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction, cause string) error {
	_, reversalErr := o.balance.Credit(ctx, tx.AccountNumber, tx.Total, tx.ID+":reversal")

	saga.Status = models.SagaFailed
	saga.FailureReason = "credit failed"
	tx.Status = models.StatusFailed

	if reversalErr == nil {
		o.transition(saga, models.StepCompensated, models.SagaFailed)
		tx.FailureReason = cause + "; debit reversed"
		tx.UpdatedAt = saga.UpdatedAt
		if err := o.save(ctx, saga, tx); err != nil {
			return err
		}

		o.logger.Warn("transfer compensated",
			logging.Saga(saga.SagaID),
			logging.Transaction(tx.ID),
			zap.String("cause", cause),
		)
		o.cacheTerminal(ctx, tx)
		return nil
	}

	o.transition(saga, models.StepFailed, models.SagaFailed)
	saga.NeedsManualReview = true
	saga.FailureReason = "credit failed; " + models.ErrCompensationFailed.Error() + ": " + reversalErr.Error()
	tx.CompensationUnresolved = true
	tx.FailureReason = cause + "; " + models.ErrCompensationFailed.Error()
	tx.UpdatedAt = saga.UpdatedAt
	if err := o.save(ctx, saga, tx); err != nil {
		return err
	}

	o.metrics.RecordCompensationFailure()
	o.logger.Error("COMPENSATION FAILED: manual review required",
		logging.Saga(saga.SagaID),
		logging.Transaction(tx.ID),
		logging.Account(tx.AccountNumber),
		zap.String("amount", tx.Total.String()),
		zap.String("cause", cause),
		zap.Error(reversalErr),
	)
	o.cacheTerminal(ctx, tx)
	return nil
}

func (o *Orchestrator) transition(saga *models.TransactionSaga, step models.SagaStep, status models.SagaStatus) {
	saga.CurrentStep = step
	saga.Status = status
	saga.UpdatedAt = o.now().UTC()
	o.metrics.RecordSagaTransition(string(step))
}

func (o *Orchestrator) save(ctx context.Context, saga *models.TransactionSaga, tx *models.Transaction) error {
	if err := o.store.SaveSaga(ctx, saga, tx); err != nil {
		o.logger.Error("failed to persist saga",
			logging.Saga(saga.SagaID),
			zap.String("step", string(saga.CurrentStep)),
			zap.Error(err),
		)
		return fmt.Errorf("save saga %s at %s: %w", saga.SagaID, saga.CurrentStep, err)
	}
	return nil
}

func (o *Orchestrator) publishCommand(ctx context.Context, cmd messaging.Command) error {
	_, err := o.publish.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, o.publisher.PublishCommand(ctx, cmd)
	})
	return err
}

func (o *Orchestrator) cacheTerminal(ctx context.Context, tx *models.Transaction) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Set(ctx, tx); err != nil {
		o.logger.Debug("cache set failed", logging.Transaction(tx.ID), zap.Error(err))
	}
}

// Get returns the saga of a transfer.
func (o *Orchestrator) Get(ctx context.Context, transactionID string) (*models.TransactionSaga, error) {
	return o.store.GetSagaByTransaction(ctx, transactionID)
}

// ListManualReview returns sagas whose compensation failed.
func (o *Orchestrator) ListManualReview(ctx context.Context) ([]*models.TransactionSaga, error) {
	return o.store.ListManualReview(ctx)
}

// Consume feeds events from sub into HandleEvent until ctx is done.
func (o *Orchestrator) Consume(ctx context.Context, sub messaging.Subscriber) error {
	o.logger.Info("consuming transfer events")
	err := sub.Subscribe(ctx, o.HandleEvent)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ResumeReport summarizes a Resume pass.
type ResumeReport struct {
	Scanned   int
	Resumed   int
	Completed int
	Stale     int
	Orphaned  int
}

// Resume re-drives sagas interrupted between steps: INITIATED sagas get their
// debit command, DEBIT_DONE sagas their credit command, and CREDIT_DONE sagas
// are completed. Sagas waiting on an event longer than StaleAfter are logged.
// PENDING transfers older than OrphanAfter that never got a saga are failed.
func (o *Orchestrator) Resume(ctx context.Context) (ResumeReport, error) {
	active, err := o.store.ListActiveSagas(ctx)
	if err != nil {
		return ResumeReport{}, fmt.Errorf("list active sagas: %w", err)
	}

	report := ResumeReport{Scanned: len(active)}
	var errs error
	for _, s := range active {
		if err := o.resumeOne(ctx, s.TransactionID, &report); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := o.failOrphans(ctx, &report); err != nil {
		errs = multierr.Append(errs, err)
	}

	o.logger.Info("saga resume finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("resumed", report.Resumed),
		zap.Int("completed", report.Completed),
		zap.Int("stale", report.Stale),
		zap.Int("orphaned", report.Orphaned),
	)
	return report, errs
}

func (o *Orchestrator) failOrphans(ctx context.Context, report *ResumeReport) error {
	orphans, err := o.store.ListOrphanTransfers(ctx, o.now().Add(-o.orphanAge))
	if err != nil {
		return fmt.Errorf("list orphan transfers: %w", err)
	}

	var errs error
	for _, tx := range orphans {
		tx.Status = models.StatusFailed
		tx.FailureReason = "transfer saga was never started"
		tx.UpdatedAt = o.now().UTC()
		if err := o.store.UpdateTransaction(ctx, tx); err != nil {
			if !errors.Is(err, models.ErrTerminalState) {
				errs = multierr.Append(errs, fmt.Errorf("fail orphan transfer %s: %w", tx.ID, err))
			}
			continue
		}
		report.Orphaned++
		o.logger.Warn("failed transfer without saga",
			logging.Transaction(tx.ID),
			logging.Account(tx.AccountNumber),
			zap.Time("created_at", tx.CreatedAt),
		)
		o.cacheTerminal(ctx, tx)
	}
	return errs
}

func (o *Orchestrator) resumeOne(ctx context.Context, transactionID string, report *ResumeReport) error {
	unlock, err := o.locker.Lock(ctx, sagaKey(transactionID))
	if err != nil {
		return fmt.Errorf("lock saga: %w", err)
	}
	defer unlock()

	saga, err := o.store.GetSagaByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	switch saga.CurrentStep {
	case models.StepInitiated:
		report.Resumed++
		_, err := o.sendDebit(ctx, saga, tx)
		if errors.Is(err, models.ErrExternalUnavailable) {
			return nil
		}
		return err
	case models.StepDebitDone:
		report.Resumed++
		return o.requestCredit(ctx, saga, tx)
	case models.StepCreditDone:
		report.Completed++
		return o.complete(ctx, saga, tx)
	case models.StepDebitSent, models.StepCreditSent:
		if waited := o.now().Sub(saga.UpdatedAt); waited > o.staleAfter {
			report.Stale++
			o.logger.Warn("saga awaiting event past threshold",
				logging.Saga(saga.SagaID),
				logging.Transaction(transactionID),
				zap.String("step", string(saga.CurrentStep)),
				zap.Duration("waited", waited),
			)
		}
	}
	return nil
}
