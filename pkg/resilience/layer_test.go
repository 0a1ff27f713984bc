package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/cache/memory"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
)

func newTx(id string) *models.Transaction {
	return &models.Transaction{ID: id, AccountNumber: "ACC001", Status: models.StatusSuccess}
}

func TestResilientLayer_SetGetDelete(t *testing.T) {
	memCache := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "test"})
	rl := NewResilientLayer(memCache, DefaultResilientConfig())
	defer rl.Close()

	ctx := context.Background()

	if rl.Name() != "test" {
		t.Errorf("Expected name 'test', got '%s'", rl.Name())
	}
	if err := rl.Set(ctx, newTx("tx-1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := rl.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "tx-1" {
		t.Errorf("Expected tx-1, got %s", got.ID)
	}

	if err := rl.Delete(ctx, "tx-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := rl.Get(ctx, "tx-1"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestResilientLayer_Timeout(t *testing.T) {
	slow := &slowMockLayer{delay: 200 * time.Millisecond}
	rl := NewResilientLayer(slow, DefaultResilientConfig().WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := rl.Get(context.Background(), "tx-1")

	if !cache.IsTimeout(err) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Errorf("Timeout not enforced, took %v", time.Since(start))
	}
}

func TestResilientLayer_CircuitBreaker(t *testing.T) {
	failing := &failingMockLayer{}
	config := ResilientConfig{
		Timeout: time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Timeout:     50 * time.Millisecond,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
	rl := NewResilientLayer(failing, config)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rl.Get(ctx, "tx-1"); err == nil || cache.IsCircuitOpen(err) {
			t.Fatalf("Call %d: expected backend failure, got %v", i, err)
		}
	}

	if _, err := rl.Get(ctx, "tx-1"); !cache.IsCircuitOpen(err) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if rl.State() != metrics.CircuitOpen {
		t.Errorf("Expected open state, got %v", rl.State())
	}
	if failing.calls != 3 {
		t.Errorf("Open circuit should not reach the layer, got %d calls", failing.calls)
	}

	time.Sleep(80 * time.Millisecond)
	if rl.State() != metrics.CircuitHalfOpen {
		t.Errorf("Expected half-open state, got %v", rl.State())
	}
}

func TestResilientLayer_ContextCancellation(t *testing.T) {
	slow := &slowMockLayer{delay: 200 * time.Millisecond}
	rl := NewResilientLayer(slow, DefaultResilientConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := rl.Get(ctx, "tx-1"); err == nil {
		t.Error("Expected error when caller context expires")
	}
}

type slowMockLayer struct {
	delay time.Duration
}

func (s *slowMockLayer) Name() string { return "slow" }

func (s *slowMockLayer) Get(ctx context.Context, id string) (*models.Transaction, error) {
	select {
	case <-time.After(s.delay):
		return newTx(id), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowMockLayer) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowMockLayer) Delete(ctx context.Context, id string) error { return nil }

func (s *slowMockLayer) Close() error { return nil }

type failingMockLayer struct {
	calls int
}

func (f *failingMockLayer) Name() string { return "failing" }

func (f *failingMockLayer) Get(ctx context.Context, id string) (*models.Transaction, error) {
	f.calls++
	return nil, errors.New("redis: connection reset")
}

func (f *failingMockLayer) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	f.calls++
	return errors.New("redis: connection reset")
}

func (f *failingMockLayer) Delete(ctx context.Context, id string) error { return nil }

func (f *failingMockLayer) Close() error { return nil }
