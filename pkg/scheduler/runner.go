// Package scheduler executes recurring debits and credits through the ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"transaction-service/pkg/ledger"
	"transaction-service/pkg/lock"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ledger is the part of the ledger the runner drives.
type Ledger interface {
	RecordDebit(ctx context.Context, req ledger.DebitRequest) (*models.Transaction, error)
	RecordCredit(ctx context.Context, req ledger.CreditRequest) (*models.Transaction, error)
}

// Config wires a Runner.
type Config struct {
	Store  store.ScheduleStore
	Ledger Ledger

	// Locker serializes a run against Pause/Resume/Cancel of the same
	// schedule (default: in-process)
	Locker lock.Locker

	// Workers bounds how many accounts are processed in parallel (default: 4)
	Workers int

	// Interval between runs of Run (default: 24h)
	Interval time.Duration

	Clock   func() time.Time
	Metrics metrics.Collector
}

// Runner selects due schedules and executes them.
type Runner struct {
	store    store.ScheduleStore
	ledger   Ledger
	locker   lock.Locker
	workers  int
	interval time.Duration
	now      func() time.Time
	metrics  metrics.Collector
	logger   *logging.Logger
}

// New creates a runner.
func New(config Config) (*Runner, error) {
	if config.Store == nil || config.Ledger == nil {
		return nil, errors.New("scheduler: store and ledger are required")
	}
	if config.Locker == nil {
		config.Locker = lock.NewLocalLocker()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Runner{
		store:    config.Store,
		ledger:   config.Ledger,
		locker:   config.Locker,
		workers:  config.Workers,
		interval: config.Interval,
		now:      config.Clock,
		metrics:  metrics.OrNoOp(config.Metrics),
		logger:   logging.L().Named("scheduler"),
	}, nil
}

func scheduleKey(id string) string {
	return "schedule:" + id
}

// IdempotencyKey identifies the occurrence of schedule id due on date.
func IdempotencyKey(id string, due time.Time) string {
	return fmt.Sprintf("schedule:%s:%s", id, models.Date(due).Format("2006-01-02"))
}

// CreateRequest describes a new recurring transaction.
type CreateRequest struct {
	AccountNumber string
	CustomerID    string
	Amount        decimal.Decimal
	Type          models.TransactionType
	Category      string
	Description   string
	Frequency     models.Frequency
	StartDate     time.Time
	EndDate       *time.Time
}

// Create stores an ACTIVE schedule whose first occurrence is StartDate.
func (r *Runner) Create(ctx context.Context, req CreateRequest) (*models.ScheduledTransaction, error) {
	if err := models.ValidateAccountNumber(req.AccountNumber); err != nil {
		return nil, err
	}
	if err := models.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Type != models.TypeDebit && req.Type != models.TypeCredit {
		return nil, models.InvalidRequestf("scheduled transactions must be DEBIT or CREDIT, got %q", req.Type)
	}
	if !req.Frequency.Valid() {
		return nil, models.InvalidRequestf("unknown frequency %q", req.Frequency)
	}
	if req.StartDate.IsZero() {
		return nil, models.InvalidRequestf("start date is required")
	}

	now := r.now().UTC()
	start := models.Date(req.StartDate)
	if start.Before(models.Date(now)) {
		return nil, models.InvalidRequestf("start date %s is in the past", start.Format("2006-01-02"))
	}

	var end *time.Time
	if req.EndDate != nil {
		e := models.Date(*req.EndDate)
		if e.Before(start) {
			return nil, models.InvalidRequestf("end date is before start date")
		}
		end = &e
	}

	sched := &models.ScheduledTransaction{
		ID:                uuid.Must(uuid.NewV7()).String(),
		AccountNumber:     req.AccountNumber,
		CustomerID:        req.CustomerID,
		Amount:            req.Amount,
		Type:              req.Type,
		Category:          req.Category,
		Description:       req.Description,
		Frequency:         req.Frequency,
		StartDate:         start,
		EndDate:           end,
		NextExecutionDate: start,
		Status:            models.ScheduleActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	r.logger.Info("schedule created",
		logging.Schedule(sched.ID),
		logging.Account(sched.AccountNumber),
		zap.String("frequency", string(sched.Frequency)),
		zap.Time("start", start),
	)
	return sched, nil
}

// Get returns a schedule.
func (r *Runner) Get(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	return r.store.GetSchedule(ctx, id)
}

// List returns an account's schedules.
func (r *Runner) List(ctx context.Context, account string) ([]*models.ScheduledTransaction, error) {
	if err := models.ValidateAccountNumber(account); err != nil {
		return nil, err
	}
	return r.store.ListSchedules(ctx, account)
}

// Pause stops an ACTIVE schedule from running.
func (r *Runner) Pause(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	return r.transition(ctx, id, models.SchedulePaused, models.ScheduleActive)
}

// Resume reactivates a PAUSED or FAILED schedule. A PAUSED schedule whose
// due date has passed runs on the next pass. A FAILED schedule skips the
// occurrence that failed: its idempotency key already belongs to the FAILED
// transaction.
func (r *Runner) Resume(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	return r.transition(ctx, id, models.ScheduleActive, models.SchedulePaused, models.ScheduleFailed)
}

// Cancel ends a schedule for good.
func (r *Runner) Cancel(ctx context.Context, id string) (*models.ScheduledTransaction, error) {
	return r.transition(ctx, id, models.ScheduleCancelled, models.ScheduleActive, models.SchedulePaused, models.ScheduleFailed)
}

func (r *Runner) transition(ctx context.Context, id string, to models.ScheduleStatus, from ...models.ScheduleStatus) (*models.ScheduledTransaction, error) {
	unlock, err := r.locker.Lock(ctx, scheduleKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock schedule: %w", err)
	}
	defer unlock()

	sched, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if sched.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: schedule %s is %s", models.ErrInvalidTransition, id, sched.Status)
	}

	if sched.Status == models.ScheduleFailed && to == models.ScheduleActive {
		sched.NextExecutionDate = sched.Frequency.Advance(sched.NextExecutionDate)
		sched.FailureReason = ""
		if sched.EndDate != nil && sched.NextExecutionDate.After(*sched.EndDate) {
			to = models.ScheduleCompleted
		}
	}
	sched.Status = to
	sched.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	r.logger.Info("schedule status changed", logging.Schedule(id), zap.String("status", string(to)))
	return sched, nil
}

// RunReport summarizes one RunDue pass.
type RunReport struct {
	Selected  int
	Executed  int
	Completed int
	Failed    int
}

// RunDue executes every ACTIVE schedule due on or before today, at most one
// occurrence each. Accounts run in parallel; an account's schedules run in
// due order. A failing item never stops the others.
func (r *Runner) RunDue(ctx context.Context, today time.Time) (RunReport, error) {
	today = models.Date(today)
	due, err := r.store.ListDueSchedules(ctx, today)
	if err != nil {
		return RunReport{}, fmt.Errorf("list due schedules: %w", err)
	}

	var (
		order     []string
		byAccount = make(map[string][]*models.ScheduledTransaction)
	)
	for _, s := range due {
		if _, ok := byAccount[s.AccountNumber]; !ok {
			order = append(order, s.AccountNumber)
		}
		byAccount[s.AccountNumber] = append(byAccount[s.AccountNumber], s)
	}

	var (
		mu     sync.Mutex
		report = RunReport{Selected: len(due)}
		errs   error
	)
	record := func(outcome string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case metrics.RunExecuted:
			report.Executed++
		case metrics.RunCompleted:
			report.Executed++
			report.Completed++
		case metrics.RunFailed:
			report.Failed++
		}
		errs = multierr.Append(errs, err)
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, account := range order {
		items := byAccount[account]
		g.Go(func() error {
			for _, s := range items {
				if ctx.Err() != nil {
					return nil
				}
				outcome, err := r.execute(ctx, s.ID, today)
				if outcome != "" || err != nil {
					record(outcome, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("scheduled run finished",
		zap.Time("date", today),
		zap.Int("selected", report.Selected),
		zap.Int("executed", report.Executed),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
	)
	return report, errs
}

// execute runs one occurrence of a schedule. The returned outcome is empty
// when the schedule was skipped; the error reports persistence problems only.
func (r *Runner) execute(ctx context.Context, id string, today time.Time) (string, error) {
	unlock, err := r.locker.Lock(ctx, scheduleKey(id))
	if err != nil {
		return "", fmt.Errorf("lock schedule %s: %w", id, err)
	}
	defer unlock()

	sched, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reload schedule %s: %w", id, err)
	}
	// paused or cancelled since selection
	if sched.Status != models.ScheduleActive || sched.NextExecutionDate.After(today) {
		return "", nil
	}

	due := sched.NextExecutionDate
	tx, execErr := r.submit(ctx, sched, IdempotencyKey(sched.ID, due))

	// shutdown is not a failure of the schedule; the occurrence is retried
	// on the next pass under the same idempotency key
	if ctx.Err() != nil || errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		r.logger.Info("scheduled run interrupted",
			logging.Schedule(id),
			zap.Time("due", due),
			zap.Error(execErr),
		)
		return "", nil
	}
	// a replay of an occurrence still in flight
	if execErr == nil && tx != nil && !tx.Status.IsTerminal() {
		r.logger.Info("scheduled transaction still in progress, skipping",
			logging.Schedule(id),
			logging.Transaction(tx.ID),
			zap.String("status", string(tx.Status)),
		)
		return "", nil
	}
	if execErr == nil && tx != nil && tx.Status == models.StatusFailed {
		execErr = errors.New(tx.FailureReason)
	}

	if tx != nil {
		sched.LastTransactionID = tx.ID
	}
	sched.UpdatedAt = r.now().UTC()

	var outcome string
	if execErr != nil {
		outcome = metrics.RunFailed
		sched.Status = models.ScheduleFailed
		sched.FailureReason = execErr.Error()
	} else {
		outcome = metrics.RunExecuted
		sched.ExecutionCount++
		sched.NextExecutionDate = sched.Frequency.Advance(due)
		if sched.EndDate != nil && sched.NextExecutionDate.After(*sched.EndDate) {
			sched.Status = models.ScheduleCompleted
			outcome = metrics.RunCompleted
		}
	}

	if err := r.store.UpdateSchedule(ctx, sched); err != nil {
		r.logger.Error("failed to save schedule after execution",
			logging.Schedule(id),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return "", fmt.Errorf("update schedule %s: %w", id, err)
	}
	r.metrics.RecordScheduledRun(outcome)

	if execErr != nil {
		r.logger.Warn("scheduled transaction failed",
			logging.Schedule(id),
			logging.Account(sched.AccountNumber),
			zap.Time("due", due),
			zap.String("error_class", models.Classify(execErr)),
			zap.Error(execErr),
		)
	} else {
		r.logger.Info("scheduled transaction executed",
			logging.Schedule(id),
			logging.Transaction(tx.ID),
			zap.Time("next", sched.NextExecutionDate),
			zap.String("status", string(sched.Status)),
		)
	}
	return outcome, nil
}

func (r *Runner) submit(ctx context.Context, s *models.ScheduledTransaction, key string) (*models.Transaction, error) {
	description := s.Description
	if description == "" {
		description = fmt.Sprintf("scheduled %s", s.Frequency)
	}

	if s.Type == models.TypeCredit {
		return r.ledger.RecordCredit(ctx, ledger.CreditRequest{
			AccountNumber:  s.AccountNumber,
			CustomerID:     s.CustomerID,
			Amount:         s.Amount,
			Category:       s.Category,
			Description:    description,
			IdempotencyKey: &key,
		})
	}
	return r.ledger.RecordDebit(ctx, ledger.DebitRequest{
		AccountNumber:  s.AccountNumber,
		CustomerID:     s.CustomerID,
		Amount:         s.Amount,
		Category:       s.Category,
		Description:    description,
		IdempotencyKey: &key,
	})
}

// Run calls RunDue once immediately and then every Interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("scheduler started", zap.Duration("interval", r.interval), zap.Int("workers", r.workers))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunDue(ctx, r.now()); err != nil {
			r.logger.Error("scheduled run incomplete", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
