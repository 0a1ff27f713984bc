package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transaction-service/pkg/cache/mock"
	memorycollector "transaction-service/pkg/metrics/memory"
	"transaction-service/pkg/models"
)

func newTx(id string) *models.Transaction {
	return &models.Transaction{ID: id, AccountNumber: "ACC001", Status: models.StatusSuccess}
}

func TestNewAsyncWriter_Defaults(t *testing.T) {
	w := NewAsyncWriter(mock.NewMockLayer("L1"), AsyncWriterConfig{})
	defer w.Close()

	if cap(w.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(w.queue))
	}
	if w.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", w.workers)
	}
	if w.config.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected default MaxWaitTime 10ms, got %v", w.config.MaxWaitTime)
	}
}

func TestAsyncWriter_Write(t *testing.T) {
	var mu sync.Mutex
	writes := make(map[string]time.Duration)

	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		writes[tx.ID] = ttl
		return nil
	}

	w := NewAsyncWriter(layer, AsyncWriterConfig{QueueSize: 10, Workers: 2})

	for i := 0; i < 5; i++ {
		if err := w.Write(context.Background(), newTx(fmt.Sprintf("tx-%d", i)), time.Minute); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 5 {
		t.Fatalf("Expected 5 writes, got %d", len(writes))
	}
	if writes["tx-3"] != time.Minute {
		t.Errorf("Expected TTL to be passed through, got %v", writes["tx-3"])
	}
}

func TestAsyncWriter_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		select {
		case started <- struct{}{}:
			<-release
		default:
		}
		return nil
	}

	collector := memorycollector.NewMemoryCollector()
	w := NewAsyncWriterWithMetrics(layer, AsyncWriterConfig{
		QueueSize:   5,
		Workers:     1,
		MaxWaitTime: 10 * time.Millisecond,
	}, collector)
	defer func() {
		close(release)
		w.Close()
	}()

	// First write occupies the only worker
	if err := w.Write(context.Background(), newTx("tx-0"), time.Minute); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	<-started

	for i := 1; i <= 5; i++ {
		if err := w.Write(context.Background(), newTx(fmt.Sprintf("tx-%d", i)), time.Minute); err != nil {
			t.Fatalf("Write %d failed unexpectedly: %v", i, err)
		}
	}

	if err := w.Write(context.Background(), newTx("tx-extra"), time.Minute); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	stats := w.Stats()
	if stats.DroppedWrites != 1 || stats.TotalWrites != 6 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if collector.Snapshot().LayerMetrics["L1"].DroppedWrites != 1 {
		t.Error("Expected dropped write to be recorded")
	}
}

func TestAsyncWriter_ContextCancellation(t *testing.T) {
	w := NewAsyncWriter(mock.NewMockLayer("L1"), AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Write(ctx, newTx("tx-1"), time.Minute); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAsyncWriter_FailedWritesCounted(t *testing.T) {
	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		return errors.New("redis: connection refused")
	}

	collector := memorycollector.NewMemoryCollector()
	w := NewAsyncWriterWithMetrics(layer, AsyncWriterConfig{QueueSize: 10, Workers: 1}, collector)

	_ = w.Write(context.Background(), newTx("tx-1"), time.Minute)
	_ = w.Write(context.Background(), newTx("tx-2"), time.Minute)
	w.Close()

	if got := w.Stats().FailedWrites; got != 2 {
		t.Errorf("Expected 2 failed writes, got %d", got)
	}
	lm := collector.Snapshot().LayerMetrics["L1"]
	if lm.AsyncWrites != 2 || lm.AsyncErrors != 2 {
		t.Errorf("Unexpected async metrics: %+v", lm)
	}
}

func TestAsyncWriter_Flush(t *testing.T) {
	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	w := NewAsyncWriter(layer, AsyncWriterConfig{QueueSize: 20, Workers: 1})
	defer w.Close()

	for i := 0; i < 5; i++ {
		_ = w.Write(context.Background(), newTx(fmt.Sprintf("tx-%d", i)), time.Minute)
	}

	if err := w.Flush(time.Second); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if w.Stats().QueueDepth != 0 {
		t.Errorf("Expected empty queue after flush, got %d", w.Stats().QueueDepth)
	}
}

func TestAsyncWriter_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		<-release
		return nil
	}

	w := NewAsyncWriter(layer, AsyncWriterConfig{QueueSize: 20, Workers: 1})
	defer func() {
		close(release)
		w.Close()
	}()

	for i := 0; i < 3; i++ {
		_ = w.Write(context.Background(), newTx(fmt.Sprintf("tx-%d", i)), time.Minute)
	}

	if err := w.Flush(30 * time.Millisecond); err != ErrFlushTimeout {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}

func TestAsyncWriter_CloseDrainsQueue(t *testing.T) {
	layer := mock.NewMockLayer("L1")
	w := NewAsyncWriter(layer, AsyncWriterConfig{QueueSize: 50, Workers: 2})

	for i := 0; i < 20; i++ {
		_ = w.Write(context.Background(), newTx(fmt.Sprintf("tx-%d", i)), time.Minute)
	}
	w.Close()

	if layer.SetCalls() != 20 {
		t.Errorf("Expected all 20 writes processed before close, got %d", layer.SetCalls())
	}
	if err := w.Write(context.Background(), newTx("late"), time.Minute); err != ErrWriterClosed {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestAsyncWriter_Ordering(t *testing.T) {
	var mu sync.Mutex
	var writes []string

	layer := mock.NewMockLayer("L1")
	layer.SetFunc = func(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, tx.ID)
		return nil
	}

	// Single worker keeps FIFO order
	w := NewAsyncWriter(layer, AsyncWriterConfig{QueueSize: 20, Workers: 1})

	ids := []string{"tx-1", "tx-2", "tx-3", "tx-4", "tx-5"}
	for _, id := range ids {
		_ = w.Write(context.Background(), newTx(id), time.Minute)
	}
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != len(ids) {
		t.Fatalf("Expected %d writes, got %d", len(ids), len(writes))
	}
	for i, id := range ids {
		if writes[i] != id {
			t.Errorf("Expected write %d to be %s, got %s", i, id, writes[i])
		}
	}
}

func BenchmarkAsyncWriter_Write(b *testing.B) {
	w := NewAsyncWriter(mock.NewMockLayer("L1"), AsyncWriterConfig{QueueSize: 10000, Workers: 4})
	defer w.Close()

	tx := newTx("tx-bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.Write(context.Background(), tx, time.Minute)
	}
}
