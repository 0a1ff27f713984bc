package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	memorycollector "transaction-service/pkg/metrics/memory"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newEnforcer(t *testing.T, opts ...Option) (*Enforcer, *memory.Store) {
	t.Helper()
	s := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewEnforcer(s, s, opts...), s
}

func record(t *testing.T, s *memory.Store, amount int64, txType models.TransactionType, status models.TransactionStatus, channel models.Channel, at time.Time) {
	t.Helper()
	err := s.InsertTransaction(context.Background(), &models.Transaction{
		ID:            uuid.NewString(),
		AccountNumber: "ACC001",
		Type:          txType,
		Channel:       channel,
		Amount:        decimal.NewFromInt(amount),
		Total:         decimal.NewFromInt(amount),
		Status:        status,
		CreatedAt:     at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func limitName(err error) string {
	var le *models.LimitError
	if errors.As(err, &le) {
		return le.Limit
	}
	return ""
}

func TestEnforcer_PerTransactionBoundary(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(50000), models.ChannelNone); err != nil {
		t.Errorf("Amount equal to the cap must pass: %v", err)
	}

	err := e.Check(ctx, "ACC001", decimal.NewFromInt(50001), models.ChannelNone)
	if !errors.Is(err, models.ErrLimitExceeded) || limitName(err) != LimitPerTransaction {
		t.Errorf("Expected per_transaction breach, got %v", err)
	}
}

func TestEnforcer_DailyCumulative(t *testing.T) {
	e, s := newEnforcer(t)
	ctx := context.Background()

	record(t, s, 45000, models.TypeDebit, models.StatusSuccess, models.ChannelNone, testNow.Add(-time.Hour))
	record(t, s, 45000, models.TypeTransfer, models.StatusInProgress, models.ChannelNone, testNow.Add(-2*time.Hour))

	err := e.Check(ctx, "ACC001", decimal.NewFromInt(10001), models.ChannelNone)
	if limitName(err) != LimitDaily {
		t.Fatalf("Expected daily breach, got %v", err)
	}
	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(10000), models.ChannelNone); err != nil {
		t.Errorf("Reaching the daily cap exactly must pass: %v", err)
	}
}

func TestEnforcer_IgnoresFailedCreditsAndOtherDays(t *testing.T) {
	e, s := newEnforcer(t)
	ctx := context.Background()

	record(t, s, 90000, models.TypeDebit, models.StatusFailed, models.ChannelNone, testNow.Add(-time.Hour))
	record(t, s, 90000, models.TypeCredit, models.StatusSuccess, models.ChannelNone, testNow.Add(-time.Hour))
	record(t, s, 90000, models.TypeDebit, models.StatusSuccess, models.ChannelNone, testNow.AddDate(0, 0, -1))

	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(50000), models.ChannelNone); err != nil {
		t.Errorf("Expected pass, got %v", err)
	}
}

func TestEnforcer_Monthly(t *testing.T) {
	e, s := newEnforcer(t, WithDefaults(models.TransactionLimit{
		DailyLimit:          decimal.NewFromInt(1000),
		PerTransactionLimit: decimal.NewFromInt(1000),
		MonthlyLimit:        decimal.NewFromInt(1500),
		ATMLimit:            decimal.NewFromInt(1000),
		OnlineShoppingLimit: decimal.NewFromInt(1000),
	}))
	ctx := context.Background()

	record(t, s, 900, models.TypeDebit, models.StatusSuccess, models.ChannelNone, testNow.AddDate(0, 0, -5))
	record(t, s, 900, models.TypeDebit, models.StatusSuccess, models.ChannelNone, testNow.AddDate(0, -1, 0))

	err := e.Check(ctx, "ACC001", decimal.NewFromInt(601), models.ChannelNone)
	if limitName(err) != LimitMonthly {
		t.Errorf("Expected monthly breach, got %v", err)
	}
}

func TestEnforcer_ChannelCaps(t *testing.T) {
	collector := memorycollector.NewMemoryCollector()
	e, s := newEnforcer(t, WithMetrics(collector))
	ctx := context.Background()

	record(t, s, 20000, models.TypeDebit, models.StatusSuccess, models.ChannelATM, testNow.Add(-time.Hour))

	err := e.Check(ctx, "ACC001", decimal.NewFromInt(5001), models.ChannelATM)
	if limitName(err) != LimitATM {
		t.Fatalf("Expected atm breach, got %v", err)
	}
	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(5001), models.ChannelOnline); err != nil {
		t.Errorf("ATM usage must not count against the online cap: %v", err)
	}
	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(30001), models.ChannelOnline); limitName(err) != LimitOnlineShopping {
		t.Errorf("Expected online_shopping breach, got %v", err)
	}
	if collector.Snapshot().LimitRejections[LimitATM] != 1 {
		t.Error("Expected ATM rejection to be counted")
	}
}

func TestEnforcer_StoredConfigOverridesDefaults(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()

	custom := models.DefaultTransactionLimit("ACC001")
	custom.PerTransactionLimit = decimal.NewFromInt(100)
	if _, err := e.Set(ctx, custom); err != nil {
		t.Fatal(err)
	}

	got, err := e.Get(ctx, "ACC001")
	if err != nil || !got.PerTransactionLimit.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if err := e.Check(ctx, "ACC001", decimal.NewFromInt(101), models.ChannelNone); limitName(err) != LimitPerTransaction {
		t.Errorf("Expected stored cap to apply, got %v", err)
	}
}

func TestEnforcer_SetRejectsNonPositive(t *testing.T) {
	e, _ := newEnforcer(t)

	bad := models.DefaultTransactionLimit("ACC001")
	bad.DailyLimit = decimal.Zero
	if _, err := e.Set(context.Background(), bad); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}
