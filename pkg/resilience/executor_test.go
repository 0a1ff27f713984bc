package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"transaction-service/pkg/metrics"
	memorycollector "transaction-service/pkg/metrics/memory"
)

var errDeclined = errors.New("declined")

func retryConfig(attempts int) ResilientConfig {
	return ResilientConfig{
		Timeout: 50 * time.Millisecond,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Timeout:     time.Second,
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errDeclined)
			},
		},
		Retry: RetryConfig{
			MaxAttempts: attempts,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func TestExecutor_RetriesTimeouts(t *testing.T) {
	exec := NewExecutor("balance", retryConfig(3), nil)

	calls := 0
	result, err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("Expected ok after 3 calls, got %v after %d", result, calls)
	}
}

func TestExecutor_DoesNotRetryBusinessErrors(t *testing.T) {
	exec := NewExecutor("balance", retryConfig(3), nil)

	calls := 0
	_, err := exec.ExecuteWithRetry(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errDeclined
	})

	if !errors.Is(err, errDeclined) {
		t.Errorf("Expected errDeclined, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestExecutor_BusinessErrorsDoNotTripBreaker(t *testing.T) {
	exec := NewExecutor("balance", retryConfig(1), nil)

	for i := 0; i < 20; i++ {
		_, _ = exec.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errDeclined
		})
	}

	if exec.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed circuit, got %v", exec.State())
	}
}

func TestExecutor_OpensAndReportsState(t *testing.T) {
	collector := memorycollector.NewMemoryCollector()
	exec := NewExecutor("balance", retryConfig(1), collector)

	boom := errors.New("503 service unavailable")
	for i := 0; i < 5; i++ {
		_, _ = exec.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
	}

	_, err := exec.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		t.Fatal("open circuit must not call through")
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if collector.Snapshot().Circuits["balance"] != metrics.CircuitOpen {
		t.Error("Expected open state to be recorded")
	}
}

func TestExecutor_StopsRetryingWhenContextDone(t *testing.T) {
	config := retryConfig(10)
	config.Retry.BaseDelay = 50 * time.Millisecond
	config.Retry.MaxDelay = 50 * time.Millisecond
	config.Retry.Retryable = func(error) bool { return true }
	exec := NewExecutor("balance", config, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := exec.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errDeclined
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls >= 10 {
		t.Errorf("Expected retries to stop with the context, got %d calls", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 0; attempt < 40; attempt++ {
		d := backoffDelay(10*time.Millisecond, time.Second, attempt)
		if d < 0 || d >= time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if backoffDelay(0, time.Second, 3) != 0 {
		t.Error("Expected zero delay for zero base")
	}
}
