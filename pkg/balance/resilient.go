package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/resilience"

	"github.com/shopspring/decimal"
)

// Resilient wraps a Service with a per-call timeout, a circuit breaker and
// bounded retries. Business rejections pass through untouched and do not
// count against the breaker.
type Resilient struct {
	next     Service
	executor *resilience.Executor
	metrics  metrics.Collector
}

var _ Service = (*Resilient)(nil)

// NewResilient wraps next. The executor is named "balance".
func NewResilient(next Service, config resilience.ResilientConfig, collector metrics.Collector) *Resilient {
	config.CircuitBreakerConfig.IsSuccessful = func(err error) bool {
		return err == nil || isRejection(err)
	}
	config.Retry.Retryable = func(err error) bool {
		return errors.Is(err, resilience.ErrTimeout) || errors.Is(err, models.ErrExternalUnavailable)
	}

	return &Resilient{
		next:     next,
		executor: resilience.NewExecutor("balance", config, collector),
		metrics:  metrics.OrNoOp(collector),
	}
}

func isRejection(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrInsufficientBalance) ||
		errors.Is(err, models.ErrInvalidRequest)
}

// State returns the breaker state, exposed on the health endpoint.
func (r *Resilient) State() metrics.CircuitState {
	return r.executor.State()
}

func (r *Resilient) call(ctx context.Context, operation string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := r.executor.ExecuteWithRetry(ctx, fn)
	r.metrics.RecordBalanceCall(operation, err == nil || isRejection(err), time.Since(start))

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, fmt.Errorf("%w: %s: circuit open", models.ErrExternalUnavailable, operation)
	case errors.Is(err, resilience.ErrTimeout):
		return nil, fmt.Errorf("%w: %s: timeout", models.ErrExternalUnavailable, operation)
	default:
		return nil, err
	}
}

func (r *Resilient) Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error) {
	result, err := r.call(ctx, "debit", func(ctx context.Context) (interface{}, error) {
		return r.next.Debit(ctx, account, amount, reference)
	})
	if err != nil {
		return Movement{}, err
	}
	return result.(Movement), nil
}

func (r *Resilient) Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) (Movement, error) {
	result, err := r.call(ctx, "credit", func(ctx context.Context) (interface{}, error) {
		return r.next.Credit(ctx, account, amount, reference)
	})
	if err != nil {
		return Movement{}, err
	}
	return result.(Movement), nil
}

func (r *Resilient) GetBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	result, err := r.call(ctx, "get_balance", func(ctx context.Context) (interface{}, error) {
		return r.next.GetBalance(ctx, account)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

func (r *Resilient) AccountExists(ctx context.Context, account string) (bool, error) {
	result, err := r.call(ctx, "account_exists", func(ctx context.Context) (interface{}, error) {
		return r.next.AccountExists(ctx, account)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (r *Resilient) GetOwner(ctx context.Context, account string) (string, error) {
	result, err := r.call(ctx, "get_owner", func(ctx context.Context) (interface{}, error) {
		return r.next.GetOwner(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
