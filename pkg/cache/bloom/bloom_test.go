package bloom

import (
	"context"
	"fmt"
	"testing"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/cache/memory"
	"transaction-service/pkg/models"
)

func newLayer() *BloomLayer {
	base := memory.NewMemoryCache(memory.MemoryCacheConfig{
		Name:    "L1",
		MaxSize: 100,
	})
	return NewBloomLayer(base, 100, 0.01)
}

func newTx(id string) *models.Transaction {
	return &models.Transaction{ID: id, AccountNumber: "ACC001", Status: models.StatusSuccess}
}

func TestBloomLayer_BasicOperations(t *testing.T) {
	bl := newLayer()
	defer bl.Close()

	ctx := context.Background()

	if err := bl.Set(ctx, newTx("tx-1"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := bl.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "tx-1" {
		t.Errorf("Expected tx-1, got %s", got.ID)
	}
	if bl.Name() != "L1" {
		t.Errorf("Expected name L1, got %s", bl.Name())
	}
}

func TestBloomLayer_Rejection(t *testing.T) {
	bl := newLayer()
	defer bl.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = bl.Set(ctx, newTx(fmt.Sprintf("tx-%d", i)), time.Hour)
	}

	for i := 100; i < 200; i++ {
		if _, err := bl.Get(ctx, fmt.Sprintf("tx-%d", i)); !cache.IsNotFound(err) {
			t.Fatalf("Expected miss for unknown id, got %v", err)
		}
	}

	stats := bl.Stats()
	if stats.TotalQueries != 100 {
		t.Errorf("Expected 100 queries, got %d", stats.TotalQueries)
	}
	// With a 1% false positive rate the filter should reject nearly all of them
	if stats.BloomRejected < 90 {
		t.Errorf("Expected most lookups rejected by the filter, got %d", stats.BloomRejected)
	}
}

func TestBloomLayer_DeleteCountsAsFalsePositive(t *testing.T) {
	bl := newLayer()
	defer bl.Close()

	ctx := context.Background()
	_ = bl.Set(ctx, newTx("tx-1"), time.Hour)
	_ = bl.Delete(ctx, "tx-1")

	if _, err := bl.Get(ctx, "tx-1"); !cache.IsNotFound(err) {
		t.Fatalf("Expected miss after delete, got %v", err)
	}
	if bl.Stats().FalsePositives != 1 {
		t.Errorf("Expected 1 false positive, got %d", bl.Stats().FalsePositives)
	}
}

func TestBloomLayer_Reset(t *testing.T) {
	bl := newLayer()
	defer bl.Close()

	ctx := context.Background()
	_ = bl.Set(ctx, newTx("tx-1"), time.Hour)
	_, _ = bl.Get(ctx, "tx-1")

	bl.Reset()

	if bl.Stats().TotalQueries != 0 {
		t.Error("Expected counters cleared after reset")
	}
	// The entry is still in the layer but the filter no longer knows it
	if _, err := bl.Get(ctx, "tx-1"); !cache.IsNotFound(err) {
		t.Errorf("Expected filter rejection after reset, got %v", err)
	}
}

func TestBloomLayer_ContextCancellation(t *testing.T) {
	bl := newLayer()
	defer bl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bl.Set(ctx, newTx("tx-1"), time.Hour); err != context.Canceled {
		t.Errorf("Expected context.Canceled on Set, got %v", err)
	}
	if _, err := bl.Get(ctx, "tx-1"); err != context.Canceled {
		t.Errorf("Expected context.Canceled on Get, got %v", err)
	}
}
