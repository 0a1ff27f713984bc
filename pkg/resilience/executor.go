package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")

	// ErrTimeout is returned when a call exceeds its timeout
	ErrTimeout = errors.New("resilience: operation timeout")
)

// Executor runs calls to one dependency through a circuit breaker and a
// per-attempt timeout, optionally retrying with exponential backoff.
type Executor struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	retry   RetryConfig
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewExecutor creates an executor named after the dependency it protects.
func NewExecutor(name string, config ResilientConfig, collector metrics.Collector) *Executor {
	logger := logging.L().Named("resilience").With(zap.String("dependency", name))

	e := &Executor{
		name:    name,
		timeout: config.Timeout,
		retry:   config.Retry,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry.MaxAttempts = 1
	}

	cbConfig := config.CircuitBreakerConfig
	settings := gobreaker.Settings{
		Name:         name,
		MaxRequests:  cbConfig.MaxRequests,
		Interval:     cbConfig.Interval,
		Timeout:      cbConfig.Timeout,
		IsSuccessful: cbConfig.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cbConfig.ReadyToTrip != nil {
				return cbConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			e.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}
	e.cb = gobreaker.NewCircuitBreaker(settings)

	logger.Info("resilient executor initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Int("max_attempts", e.retry.MaxAttempts),
		zap.Duration("circuit_timeout", cbConfig.Timeout),
	)

	return e
}

// Name returns the protected dependency's name.
func (e *Executor) Name() string {
	return e.name
}

// State returns the current circuit breaker state.
func (e *Executor) State() metrics.CircuitState {
	return toCircuitState(e.cb.State())
}

// Execute performs a single attempt of fn.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	result, err := e.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("operation timeout", zap.Duration("timeout", e.timeout))
		return nil, ErrTimeout
	}
	return result, err
}

// ExecuteWithRetry runs Execute up to MaxAttempts times while the error is
// retryable. The caller's context bounds the whole sequence.
func (e *Executor) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var (
		result interface{}
		err    error
	)

	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(e.retry.BaseDelay, e.retry.MaxDelay, attempt-1)
			e.logger.Debug("retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
				return nil, err
			}
		}

		result, err = e.Execute(ctx, fn)
		if err == nil || !e.isRetryable(err) {
			return result, err
		}
	}

	e.logger.Warn("retries exhausted",
		zap.Int("attempts", e.retry.MaxAttempts),
		zap.Error(err),
	)
	return result, err
}

func (e *Executor) isRetryable(err error) bool {
	if e.retry.Retryable != nil {
		return e.retry.Retryable(err)
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCircuitOpen)
}

// backoffDelay returns a random duration in [0, base*2^attempt), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << attempt
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
