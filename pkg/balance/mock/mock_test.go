package mock

import (
	"context"
	"errors"
	"testing"

	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

func TestService_ReferenceDeduplication(t *testing.T) {
	s := New()
	s.AddAccount("ACC001", "cust-1", decimal.NewFromInt(100))
	ctx := context.Background()

	first, err := s.Debit(ctx, "ACC001", decimal.NewFromInt(30), "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.Debit(ctx, "ACC001", decimal.NewFromInt(30), "tx-1")
	if err != nil {
		t.Fatal(err)
	}

	if !first.BalanceAfter.Equal(again.BalanceAfter) {
		t.Errorf("Replay returned a different movement: %v vs %v", first, again)
	}
	if !s.Balance("ACC001").Equal(decimal.NewFromInt(70)) {
		t.Errorf("Expected one debit applied, balance %s", s.Balance("ACC001"))
	}
}

func TestService_Errors(t *testing.T) {
	s := New()
	s.AddAccount("ACC001", "cust-1", decimal.NewFromInt(10))
	ctx := context.Background()

	if _, err := s.Debit(ctx, "ACC001", decimal.NewFromInt(11), "tx-1"); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := s.Credit(ctx, "NOPE01", decimal.NewFromInt(1), "tx-2"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if ok, _ := s.AccountExists(ctx, "NOPE01"); ok {
		t.Error("Unknown account reported as existing")
	}
}
