package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/balance/mock"
	"transaction-service/pkg/limits"
	"transaction-service/pkg/lock"
	"transaction-service/pkg/messaging"
	bus "transaction-service/pkg/messaging/memory"
	memorycollector "transaction-service/pkg/metrics/memory"
	"transaction-service/pkg/models"
	"transaction-service/pkg/resilience"
	"transaction-service/pkg/saga"
	"transaction-service/pkg/store/memory"

	"github.com/shopspring/decimal"
)

type fixture struct {
	ledger  *Ledger
	store   *memory.Store
	balance *mock.Service
	bus     *bus.Bus
	metrics *memorycollector.MemoryCollector
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		balance: mock.New(),
		bus:     bus.New(0),
		metrics: memorycollector.NewMemoryCollector(),
		now:     time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC),
	}
	f.balance.AddAccount("ACC001", "cust-1", decimal.NewFromInt(200000))
	f.balance.AddAccount("ACC002", "cust-2", decimal.NewFromInt(0))

	clock := func() time.Time { return f.now }
	locker := lock.NewLocalLocker()

	orch, err := saga.New(saga.Config{
		Store:     f.store,
		Publisher: f.bus,
		Balance:   f.balance,
		Locker:    locker,
		Publish: resilience.DefaultResilientConfig().WithRetry(resilience.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		}),
		Clock:   clock,
		Metrics: f.metrics,
	})
	if err != nil {
		t.Fatal(err)
	}

	l, err := New(Config{
		Store:     f.store,
		Limits:    limits.NewEnforcer(f.store, f.store, limits.WithClock(clock), limits.WithMetrics(f.metrics)),
		Balance:   f.balance,
		Locker:    locker,
		Transfers: orch,
		Charges: map[models.TransferMode]decimal.Decimal{
			models.ModeIMPS: decimal.NewFromInt(5),
		},
		Clock:   clock,
		Metrics: f.metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ledger = l
	return f
}

func key(s string) *string { return &s }

func TestLedger_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-10)} {
		_, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: amount})
		if !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("RecordDebit(%s) error = %v, want ErrInvalidRequest", amount, err)
		}
		_, err = f.ledger.RecordCredit(ctx, CreditRequest{AccountNumber: "ACC001", Amount: amount})
		if !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("RecordCredit(%s) error = %v, want ErrInvalidRequest", amount, err)
		}
	}

	rows, total, _ := f.store.ListTransactions(ctx, "ACC001", models.Page{Limit: 10})
	if total != 0 || len(rows) != 0 {
		t.Errorf("Expected no rows, got %d", total)
	}
	if len(f.balance.Calls()) != 0 {
		t.Error("Account service must not be called for invalid requests")
	}
}

func TestLedger_RejectsSubCentAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amount := decimal.RequireFromString("10.005")

	if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: amount}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("RecordDebit() error = %v, want ErrInvalidRequest", err)
	}
	if _, err := f.ledger.RecordCredit(ctx, CreditRequest{AccountNumber: "ACC001", Amount: amount}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("RecordCredit() error = %v, want ErrInvalidRequest", err)
	}
	_, err := f.ledger.RecordTransfer(ctx, TransferRequest{AccountNumber: "ACC001", ToAccount: "ACC002", Amount: amount})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("RecordTransfer() error = %v, want ErrInvalidRequest", err)
	}
	if len(f.balance.Calls()) != 0 {
		t.Error("Account service must not be called for sub-cent amounts")
	}
}

// disconnectingBalance applies the movement and then cancels the caller, the
// way a client hanging up right after the account service answered would.
type disconnectingBalance struct {
	*mock.Service
	cancel context.CancelFunc
}

func (d *disconnectingBalance) Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) (balance.Movement, error) {
	m, err := d.Service.Debit(ctx, account, amount, reference)
	d.cancel()
	if err != nil {
		return m, err
	}
	return m, ctx.Err()
}

func TestLedger_ClientDisconnectAfterDebit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := New(Config{
		Store:   f.store,
		Limits:  limits.NewEnforcer(f.store, f.store),
		Balance: &disconnectingBalance{Service: f.balance, cancel: cancel},
		Locker:  lock.NewLocalLocker(),
		Clock:   func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatal(err)
	}

	req := DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(100), IdempotencyKey: key("hang-up")}
	tx, err := l.RecordDebit(ctx, req)
	if err != nil {
		t.Fatalf("RecordDebit() error = %v", err)
	}
	if tx.Status != models.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s (%s)", tx.Status, tx.FailureReason)
	}
	if !f.balance.Balance("ACC001").Equal(decimal.NewFromInt(199900)) {
		t.Errorf("Unexpected balance %s", f.balance.Balance("ACC001"))
	}

	replay, err := l.RecordDebit(context.Background(), req)
	if err != nil || replay.ID != tx.ID || replay.Status != models.StatusSuccess {
		t.Errorf("Replay = %+v, %v; want SUCCESS %s", replay, err, tx.ID)
	}
}

func TestLedger_DebitSuccess(t *testing.T) {
	f := newFixture(t)

	tx, err := f.ledger.RecordDebit(context.Background(), DebitRequest{
		AccountNumber: "ACC001",
		CustomerID:    "cust-1",
		Amount:        decimal.NewFromInt(250),
		Category:      "GROCERIES",
		Channel:       models.ChannelOnline,
	})
	if err != nil {
		t.Fatalf("RecordDebit() error = %v", err)
	}
	if tx.Status != models.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", tx.Status)
	}
	if tx.BalanceBefore == nil || !tx.BalanceBefore.Equal(decimal.NewFromInt(200000)) {
		t.Errorf("Unexpected balance before %v", tx.BalanceBefore)
	}
	if tx.BalanceAfter == nil || !tx.BalanceAfter.Equal(decimal.NewFromInt(199750)) {
		t.Errorf("Unexpected balance after %v", tx.BalanceAfter)
	}

	calls := f.balance.Calls()
	if len(calls) != 1 || calls[0].Reference != tx.ID {
		t.Errorf("Expected one debit referenced by the transaction id, got %+v", calls)
	}
	if f.metrics.Snapshot().LedgerWrites["DEBIT/created"] != 1 {
		t.Error("Expected ledger write metric")
	}
}

func TestLedger_DebitInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.balance.AddAccount("POOR01", "cust-3", decimal.NewFromInt(10))

	tx, err := f.ledger.RecordDebit(context.Background(), DebitRequest{AccountNumber: "POOR01", Amount: decimal.NewFromInt(11)})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
	if tx == nil || tx.Status != models.StatusFailed || tx.FailureReason != "insufficient balance" {
		t.Errorf("Expected FAILED row, got %+v", tx)
	}

	stored, _ := f.store.GetTransaction(context.Background(), tx.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("Stored row is %s", stored.Status)
	}
}

func TestLedger_AccountServiceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.balance.SetFail(func(op, account string) error {
		return fmt.Errorf("%w: connection refused", models.ErrExternalUnavailable)
	})

	tx, err := f.ledger.RecordCredit(context.Background(), CreditRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(5)})
	if !errors.Is(err, models.ErrExternalUnavailable) {
		t.Fatalf("Expected ErrExternalUnavailable, got %v", err)
	}
	if tx.Status != models.StatusFailed {
		t.Errorf("Expected FAILED, got %s", tx.Status)
	}
}

func TestLedger_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(100), IdempotencyKey: key("order-42")}

	first, err := f.ledger.RecordDebit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.ledger.RecordDebit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("Replay returned a different transaction: %s vs %s", first.ID, second.ID)
	}
	if len(f.balance.Calls()) != 1 {
		t.Errorf("Expected one balance call, got %d", len(f.balance.Calls()))
	}
	if f.metrics.Snapshot().Replays["DEBIT"] != 1 {
		t.Error("Expected replay metric")
	}
}

func TestLedger_ConcurrentIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := f.ledger.RecordDebit(ctx, DebitRequest{
				AccountNumber:  "ACC001",
				Amount:         decimal.NewFromInt(10),
				IdempotencyKey: key("same-key"),
			})
			if err != nil {
				t.Errorf("RecordDebit() error = %v", err)
				return
			}
			ids[i] = tx.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("Expected a single transaction id, got %s and %s", ids[0], id)
		}
	}
	_, total, _ := f.store.ListTransactions(ctx, "ACC001", models.Page{Limit: 100})
	if total != 1 {
		t.Errorf("Expected one row, got %d", total)
	}
	if !f.balance.Balance("ACC001").Equal(decimal.NewFromInt(199990)) {
		t.Errorf("Balance debited more than once: %s", f.balance.Balance("ACC001"))
	}
}

func TestLedger_PerTransactionLimitBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(50000)}); err != nil {
		t.Fatalf("Debit at the cap should pass, got %v", err)
	}

	_, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.RequireFromString("50000.01")})
	var limitErr *models.LimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != limits.LimitPerTransaction {
		t.Fatalf("Expected per-transaction limit error, got %v", err)
	}
	if f.metrics.Snapshot().LedgerWrites["DEBIT/rejected"] != 1 {
		t.Error("Expected rejected write metric")
	}
}

func TestLedger_DailyLimitAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(40000)}); err != nil {
			t.Fatalf("Debit %d error = %v", i, err)
		}
	}

	_, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(20001)})
	var limitErr *models.LimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != limits.LimitDaily {
		t.Fatalf("Expected daily limit error, got %v", err)
	}

	// next day the window resets
	f.now = f.now.Add(24 * time.Hour)
	if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(20001)}); err != nil {
		t.Errorf("Debit on the next day error = %v", err)
	}
}

func TestLedger_ConcurrentDebitsRespectDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// each debit is under the per-transaction cap, together they are not
	const n = 10
	amount := decimal.NewFromInt(40000)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: amount})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		var limitErr *models.LimitError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &limitErr) && limitErr.Limit == limits.LimitDaily:
		default:
			t.Errorf("Unexpected error %v", err)
		}
	}
	if succeeded != 2 {
		t.Errorf("Expected 2 debits within the daily cap, got %d", succeeded)
	}

	spent, err := f.store.SumTransactions(ctx, models.TransactionFilter{
		AccountNumber: "ACC001",
		Types:         []models.TransactionType{models.TypeDebit},
		Statuses:      []models.TransactionStatus{models.StatusSuccess},
	})
	if err != nil {
		t.Fatal(err)
	}
	if spent.GreaterThan(decimal.NewFromInt(100000)) {
		t.Errorf("Daily cap breached: %s debited", spent)
	}
	if !f.balance.Balance("ACC001").Equal(decimal.NewFromInt(200000).Sub(spent)) {
		t.Errorf("Balance %s does not match recorded debits %s", f.balance.Balance("ACC001"), spent)
	}
}

func TestLedger_CreditSkipsLimits(t *testing.T) {
	f := newFixture(t)

	tx, err := f.ledger.RecordCredit(context.Background(), CreditRequest{AccountNumber: "ACC002", Amount: decimal.NewFromInt(5000000)})
	if err != nil {
		t.Fatalf("RecordCredit() error = %v", err)
	}
	if tx.Status != models.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", tx.Status)
	}
}

func TestLedger_TransferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"same account", TransferRequest{AccountNumber: "ACC001", ToAccount: "ACC001", Amount: decimal.NewFromInt(1)}},
		{"unknown mode", TransferRequest{AccountNumber: "ACC001", ToAccount: "ACC002", Amount: decimal.NewFromInt(1), Mode: "SWIFT"}},
		{"missing destination", TransferRequest{AccountNumber: "ACC001", ToAccount: "NOPE99", Amount: decimal.NewFromInt(1)}},
		{"zero amount", TransferRequest{AccountNumber: "ACC001", ToAccount: "ACC002", Amount: decimal.Zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ledger.RecordTransfer(ctx, tt.req); !errors.Is(err, models.ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if len(f.bus.Commands()) != 0 {
		t.Error("No command may be published for a rejected transfer")
	}
}

func TestLedger_TransferStartsSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.ledger.RecordTransfer(ctx, TransferRequest{
		AccountNumber:  "ACC001",
		ToAccount:      "ACC002",
		Amount:         decimal.NewFromInt(1000),
		Mode:           models.ModeIMPS,
		IdempotencyKey: key("tr-1"),
	})
	if err != nil {
		t.Fatalf("RecordTransfer() error = %v", err)
	}

	if tx.Status != models.StatusInProgress {
		t.Errorf("Expected IN_PROGRESS, got %s", tx.Status)
	}
	if !tx.Charges.Equal(decimal.NewFromInt(5)) || !tx.Total.Equal(decimal.NewFromInt(1005)) {
		t.Errorf("Unexpected charges %s / total %s", tx.Charges, tx.Total)
	}
	if len(tx.UTR) != len("IMPS")+8+12 || tx.UTR[:12] != "IMPS20260520" {
		t.Errorf("Unexpected UTR %q", tx.UTR)
	}

	s, err := f.store.GetSagaByTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentStep != models.StepDebitSent {
		t.Errorf("Expected DEBIT_SENT, got %s", s.CurrentStep)
	}

	cmds := f.bus.Commands()
	if len(cmds) != 1 || cmds[0].Step != messaging.StepDebit || !cmds[0].Amount.Equal(decimal.NewFromInt(1005)) {
		t.Errorf("Unexpected commands %+v", cmds)
	}

	again, err := f.ledger.RecordTransfer(ctx, TransferRequest{
		AccountNumber:  "ACC001",
		ToAccount:      "ACC002",
		Amount:         decimal.NewFromInt(1000),
		Mode:           models.ModeIMPS,
		IdempotencyKey: key("tr-1"),
	})
	if err != nil || again.ID != tx.ID {
		t.Errorf("Replay = %v, %v", again, err)
	}
	if len(f.bus.Commands()) != 1 {
		t.Error("Replay must not start a second saga")
	}
}

func TestLedger_TransferLimitIncludesCharges(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.RecordTransfer(context.Background(), TransferRequest{
		AccountNumber: "ACC001",
		ToAccount:     "ACC002",
		Amount:        decimal.NewFromInt(49999),
		Mode:          models.ModeIMPS,
	})
	var limitErr *models.LimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != limits.LimitPerTransaction {
		t.Errorf("Expected per-transaction limit error on amount plus charges, got %v", err)
	}
}

func TestLedger_TransferPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.bus.FailPublish(func(messaging.Command) error { return errors.New("broker down") })

	tx, err := f.ledger.RecordTransfer(context.Background(), TransferRequest{
		AccountNumber: "ACC001",
		ToAccount:     "ACC002",
		Amount:        decimal.NewFromInt(10),
	})
	if !errors.Is(err, models.ErrExternalUnavailable) {
		t.Fatalf("Expected ErrExternalUnavailable, got %v", err)
	}
	if tx == nil || tx.Status != models.StatusFailed {
		t.Errorf("Expected FAILED row, got %+v", tx)
	}
	if f.metrics.Snapshot().LedgerWrites["TRANSFER/failed"] != 1 {
		t.Error("Expected failed write metric")
	}
}

type failingTransfers struct{}

func (failingTransfers) Start(context.Context, *models.Transaction) (*models.TransactionSaga, error) {
	return nil, errors.New("saga table unavailable")
}

func (failingTransfers) RequestDebit(context.Context, *models.Transaction) (*models.Transaction, error) {
	return nil, errors.New("unreachable")
}

func TestLedger_TransferSagaStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.SetTransfers(failingTransfers{})

	tx, err := f.ledger.RecordTransfer(ctx, TransferRequest{
		AccountNumber: "ACC001",
		ToAccount:     "ACC002",
		Amount:        decimal.NewFromInt(30000),
	})
	if err == nil {
		t.Fatal("Expected an error when the saga cannot start")
	}
	if tx == nil || tx.Status != models.StatusFailed {
		t.Fatalf("Expected FAILED row, got %+v", tx)
	}

	stored, _ := f.store.GetTransaction(ctx, tx.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("Stored row should be FAILED, got %s", stored.Status)
	}

	// the abandoned row no longer eats into the daily limit
	if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(50000)}); err != nil {
		t.Errorf("RecordDebit() error = %v", err)
	}
	if _, err := f.ledger.RecordDebit(ctx, DebitRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(50000)}); err != nil {
		t.Errorf("RecordDebit() error = %v", err)
	}
}

func TestLedger_GetTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _ := f.ledger.RecordCredit(ctx, CreditRequest{AccountNumber: "ACC001", Amount: decimal.NewFromInt(1)})

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	if err != nil || got.ID != tx.ID {
		t.Errorf("GetTransaction() = %v, %v", got, err)
	}
	if _, err := f.ledger.GetTransaction(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := f.ledger.GetTransaction(ctx, ""); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}
