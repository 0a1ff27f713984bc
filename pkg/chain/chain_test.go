package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/cache/memory"
	"transaction-service/pkg/cache/mock"
	memorycollector "transaction-service/pkg/metrics/memory"
	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

func newTx(id string, status models.TransactionStatus) *models.Transaction {
	return &models.Transaction{
		ID:            id,
		AccountNumber: "ACC001",
		Type:          models.TypeDebit,
		Amount:        decimal.NewFromInt(10),
		Total:         decimal.NewFromInt(10),
		Status:        status,
	}
}

func newMemory(name string) *memory.MemoryCache {
	return memory.NewMemoryCache(memory.MemoryCacheConfig{Name: name})
}

func TestNew(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("Expected error for empty chain")
	}

	c, err := New(newMemory("L1"), newMemory("L2"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if c.Len() != 2 {
		t.Errorf("Expected 2 layers, got %d", c.Len())
	}
	if got := c.String(); got != "chain(2 layers): L1 -> L2" {
		t.Errorf("Unexpected String(): %s", got)
	}
}

func TestChain_Get_L1Hit(t *testing.T) {
	l1 := newMemory("L1")
	l2 := mock.NewMockLayer("L2")
	c, _ := New(l1, l2)
	defer c.Close()

	ctx := context.Background()
	_ = l1.Set(ctx, newTx("tx-1", models.StatusSuccess), time.Hour)

	got, err := c.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "tx-1" {
		t.Errorf("Expected tx-1, got %s", got.ID)
	}
	if l2.GetCalls() != 0 {
		t.Errorf("L2 should not be consulted on an L1 hit, got %d calls", l2.GetCalls())
	}
}

func TestChain_Get_L2HitWarmsL1(t *testing.T) {
	l1 := newMemory("L1")
	l2 := newMemory("L2")
	collector := memorycollector.NewMemoryCollector()
	c, _ := NewWithConfig(Config{
		TTL:         time.Hour,
		TTLStrategy: &CustomTTLStrategy{TTLs: []time.Duration{time.Minute}},
		Metrics:     collector,
	}, l1, l2)
	defer c.Close()

	ctx := context.Background()
	_ = l2.Set(ctx, newTx("tx-1", models.StatusSuccess), time.Hour)

	if _, err := c.Get(ctx, "tx-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := l1.Get(ctx, "tx-1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("L1 was not warmed after an L2 hit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := collector.Snapshot()
	if snap.ChainHits != 1 {
		t.Errorf("Expected 1 chain hit, got %d", snap.ChainHits)
	}
	if snap.LayerMetrics["L1"].Misses != 1 || snap.LayerMetrics["L2"].Hits != 1 {
		t.Errorf("Unexpected layer metrics: %+v", snap.LayerMetrics)
	}
}

func TestChain_Get_AllMiss(t *testing.T) {
	c, _ := New(newMemory("L1"), newMemory("L2"))
	defer c.Close()

	if _, err := c.Get(context.Background(), "missing"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestChain_Get_FailingLayerFallsThrough(t *testing.T) {
	broken := mock.NewMockLayer("L1")
	broken.GetFunc = func(ctx context.Context, id string) (*models.Transaction, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	l2 := newMemory("L2")
	c, _ := New(broken, l2)
	defer c.Close()

	ctx := context.Background()
	_ = l2.Set(ctx, newTx("tx-1", models.StatusFailed), time.Hour)

	got, err := c.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Expected fallback to L2, got %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
}

func TestChain_Get_SingleFlight(t *testing.T) {
	var calls int64
	slow := mock.NewMockLayer("L1")
	slow.GetFunc = func(ctx context.Context, id string) (*models.Transaction, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return newTx(id, models.StatusSuccess), nil
	}
	c, _ := New(slow)
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]*models.Transaction, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], _ = c.Get(context.Background(), "tx-1")
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("Expected 1 layer call, got %d", n)
	}
	// Every caller gets its own copy
	results[0].Status = models.StatusFailed
	if results[1].Status != models.StatusSuccess {
		t.Error("Callers share the same transaction value")
	}
}

func TestChain_Set_RejectsNonTerminal(t *testing.T) {
	l1 := newMemory("L1")
	c, _ := New(l1)
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, newTx("tx-1", models.StatusPending)); err != cache.ErrInvalidValue {
		t.Errorf("Expected ErrInvalidValue for PENDING, got %v", err)
	}
	if err := c.Set(ctx, newTx("tx-2", models.StatusSuccess)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := l1.Get(ctx, "tx-2"); err != nil {
		t.Errorf("Expected terminal transaction to be cached, got %v", err)
	}
}

func TestChain_Set_PartialFailure(t *testing.T) {
	broken := mock.NewMockLayer("L2")
	broken.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		return errors.New("redis: READONLY")
	}
	l1 := newMemory("L1")
	c, _ := New(l1, broken)
	defer c.Close()

	ctx := context.Background()
	err := c.Set(ctx, newTx("tx-1", models.StatusSuccess))
	if err == nil || !strings.Contains(err.Error(), "L2") {
		t.Errorf("Expected error naming L2, got %v", err)
	}
	if _, err := l1.Get(ctx, "tx-1"); err != nil {
		t.Error("Healthy layer should still be written")
	}
}

func TestChain_DeleteAndClose(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	c, _ := New(l1, l2)

	if err := c.Delete(context.Background(), "tx-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if l1.DeleteCalls() != 1 || l2.DeleteCalls() != 1 {
		t.Error("Delete should reach every layer")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if l1.CloseCalls() != 1 || l2.CloseCalls() != 1 {
		t.Error("Close should reach every layer")
	}
}
