// Package mock provides an in-memory balance.Service for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

// Call records one Debit or Credit.
type Call struct {
	Op        string
	Account   string
	Amount    decimal.Decimal
	Reference string
}

// Service holds balances in a map. References are de-duplicated the way the
// real account service does: a repeated reference returns the first result.
type Service struct {
	mu       sync.Mutex
	accounts map[string]*account
	applied  map[string]balance.Movement
	calls    []Call

	// Fail, when set, is consulted before every call. A non-nil error is
	// returned instead of performing op ("debit", "credit", "get_balance",
	// "account_exists", "get_owner").
	Fail func(op, account string) error
}

type account struct {
	owner   string
	balance decimal.Decimal
}

var _ balance.Service = (*Service)(nil)

// New creates an empty service.
func New() *Service {
	return &Service{
		accounts: make(map[string]*account),
		applied:  make(map[string]balance.Movement),
	}
}

// AddAccount registers an account with an opening balance.
func (s *Service) AddAccount(number, owner string, opening decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[number] = &account{owner: owner, balance: opening}
}

// SetFail replaces the failure hook.
func (s *Service) SetFail(fn func(op, account string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fail = fn
}

// Balance returns the current balance, or zero for an unknown account.
func (s *Service) Balance(number string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[number]; ok {
		return a.balance
	}
	return decimal.Zero
}

// Calls returns the Debit and Credit calls seen so far.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Service) check(op, number string) error {
	if s.Fail != nil {
		return s.Fail(op, number)
	}
	return nil
}

func (s *Service) Debit(ctx context.Context, number string, amount decimal.Decimal, reference string) (balance.Movement, error) {
	return s.apply(ctx, "debit", number, amount.Neg(), amount, reference)
}

func (s *Service) Credit(ctx context.Context, number string, amount decimal.Decimal, reference string) (balance.Movement, error) {
	return s.apply(ctx, "credit", number, amount, amount, reference)
}

func (s *Service) apply(ctx context.Context, op, number string, delta, amount decimal.Decimal, reference string) (balance.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: op, Account: number, Amount: amount, Reference: reference})

	if err := s.check(op, number); err != nil {
		return balance.Movement{}, err
	}
	if err := ctx.Err(); err != nil {
		return balance.Movement{}, err
	}
	if m, ok := s.applied[op+":"+reference]; ok && reference != "" {
		return m, nil
	}

	a, ok := s.accounts[number]
	if !ok {
		return balance.Movement{}, fmt.Errorf("%w: account %s", models.ErrNotFound, number)
	}

	after := a.balance.Add(delta)
	if after.IsNegative() {
		return balance.Movement{}, fmt.Errorf("%w: account %s has %s", models.ErrInsufficientBalance, number, a.balance)
	}

	m := balance.Movement{BalanceBefore: a.balance, BalanceAfter: after}
	a.balance = after
	if reference != "" {
		s.applied[op+":"+reference] = m
	}
	return m, nil
}

func (s *Service) GetBalance(ctx context.Context, number string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("get_balance", number); err != nil {
		return decimal.Zero, err
	}
	a, ok := s.accounts[number]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", models.ErrNotFound, number)
	}
	return a.balance, nil
}

func (s *Service) AccountExists(ctx context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("account_exists", number); err != nil {
		return false, err
	}
	_, ok := s.accounts[number]
	return ok, nil
}

func (s *Service) GetOwner(ctx context.Context, number string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("get_owner", number); err != nil {
		return "", err
	}
	a, ok := s.accounts[number]
	if !ok {
		return "", fmt.Errorf("%w: account %s", models.ErrNotFound, number)
	}
	return a.owner, nil
}
