package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/models"

	"github.com/shopspring/decimal"
)

func newTx(id string) *models.Transaction {
	return &models.Transaction{
		ID:            id,
		AccountNumber: "ACC001",
		Type:          models.TypeDebit,
		Amount:        decimal.NewFromInt(100),
		Total:         decimal.NewFromInt(100),
		Status:        models.StatusSuccess,
	}
}

func newCache(maxSize int) *MemoryCache {
	return NewMemoryCache(MemoryCacheConfig{
		Name:            "test",
		MaxSize:         maxSize,
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
	})
}

func TestMemoryCache_GetSet(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()

	if _, err := c.Get(ctx, "nonexistent"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if err := c.Set(ctx, newTx("tx-1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := c.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected amount 100, got %s", got.Amount)
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()
	tx := newTx("tx-1")
	if err := c.Set(ctx, tx, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	tx.Status = models.StatusFailed
	got, _ := c.Get(ctx, "tx-1")
	if got.Status != models.StatusSuccess {
		t.Error("Mutating the caller's value changed the cached entry")
	}

	got.Status = models.StatusFailed
	again, _ := c.Get(ctx, "tx-1")
	if again.Status != models.StatusSuccess {
		t.Error("Mutating a returned value changed the cached entry")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, newTx("tx-1"), 0)

	if err := c.Delete(ctx, "tx-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "tx-1"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := c.Delete(ctx, "tx-1"); err != nil {
		t.Errorf("Deleting a missing key should succeed, got %v", err)
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, newTx("tx-1"), 20*time.Millisecond)

	time.Sleep(40 * time.Millisecond)

	if _, err := c.Get(ctx, "tx-1"); !cache.IsNotFound(err) {
		t.Errorf("Expected expired entry to miss, got %v", err)
	}
}

func TestMemoryCache_LRU(t *testing.T) {
	c := newCache(2)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, newTx("tx-1"), 0)
	time.Sleep(time.Millisecond)
	_ = c.Set(ctx, newTx("tx-2"), 0)
	time.Sleep(time.Millisecond)

	// Touch tx-1 so tx-2 becomes the LRU entry
	if _, err := c.Get(ctx, "tx-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	_ = c.Set(ctx, newTx("tx-3"), 0)

	if _, err := c.Get(ctx, "tx-2"); !cache.IsNotFound(err) {
		t.Error("Expected tx-2 to be evicted")
	}
	if _, err := c.Get(ctx, "tx-1"); err != nil {
		t.Error("Expected tx-1 to survive eviction")
	}
	if c.Stats().Size != 2 {
		t.Errorf("Expected size 2, got %d", c.Stats().Size)
	}
}

func TestMemoryCache_Concurrency(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("tx-%d", n%5)
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, newTx(id), 0)
				_, _ = c.Get(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	if c.Stats().Size != 5 {
		t.Errorf("Expected 5 entries, got %d", c.Stats().Size)
	}
}

func TestMemoryCache_KeyValidation(t *testing.T) {
	c := newCache(0)
	defer c.Close()

	ctx := context.Background()

	if _, err := c.Get(ctx, ""); err == nil {
		t.Error("Expected error for empty key")
	}
	if err := c.Set(ctx, newTx("bad\nid"), 0); err == nil {
		t.Error("Expected error for key with control character")
	}
	if err := c.Set(ctx, nil, 0); err != cache.ErrInvalidValue {
		t.Errorf("Expected ErrInvalidValue for nil transaction, got %v", err)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	unlimited := newCache(0)
	defer unlimited.Close()

	if unlimited.Stats().Capacity != -1 {
		t.Errorf("Expected capacity -1 for unlimited cache, got %d", unlimited.Stats().Capacity)
	}
	if unlimited.Name() != "test" {
		t.Errorf("Expected name 'test', got %q", unlimited.Name())
	}
}
