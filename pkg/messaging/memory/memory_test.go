package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"transaction-service/pkg/balance/mock"
	"transaction-service/pkg/messaging"

	"github.com/shopspring/decimal"
)

func TestBus_PublishRecordsCommands(t *testing.T) {
	b := New(0)
	cmd := messaging.Command{TransactionID: "t1", Step: messaging.StepDebit, Reference: "t1:debit"}

	if err := b.PublishCommand(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("broker down")
	b.FailPublish(func(messaging.Command) error { return boom })
	if err := b.PublishCommand(context.Background(), cmd); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}

	if n := len(b.Commands()); n != 1 {
		t.Errorf("Expected 1 recorded command, got %d", n)
	}
}

func TestBus_RedeliversFailedEvents(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var calls int32
	_ = b.Emit(messaging.Event{TransactionID: "t1", Step: messaging.StepDebit, Status: messaging.OutcomeSuccess})

	go b.Subscribe(ctx, func(ctx context.Context, e messaging.Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("store unavailable")
		}
		cancel()
		return nil
	})

	<-ctx.Done()
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 deliveries, got %d", n)
	}
}

func TestBus_AttachedExecutor(t *testing.T) {
	svc := mock.New()
	svc.AddAccount("ACC001", "cust-1", decimal.NewFromInt(100))

	b := New(0)
	b.Attach(svc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = b.PublishCommand(ctx, messaging.Command{
		TransactionID: "t1", Step: messaging.StepDebit, Account: "ACC001",
		Amount: decimal.NewFromInt(150), Reference: "t1:debit",
	})

	var got messaging.Event
	go b.Subscribe(ctx, func(ctx context.Context, e messaging.Event) error {
		got = e
		cancel()
		return nil
	})
	<-ctx.Done()

	if got.Status != messaging.OutcomeFailed || got.FailureReason == "" {
		t.Errorf("Expected failed debit event, got %+v", got)
	}
}

func TestBus_Close(t *testing.T) {
	b := New(0)
	_ = b.Close()

	if err := b.Emit(messaging.Event{}); !errors.Is(err, messaging.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := b.Subscribe(context.Background(), nil); !errors.Is(err, messaging.ErrClosed) {
		t.Errorf("Expected ErrClosed from Subscribe, got %v", err)
	}
}

func TestBus_EmitWaitsForRoom(t *testing.T) {
	b := New(1)
	b.SetEmitTimeout(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.Emit(messaging.Event{TransactionID: "t1"}); err != nil {
		t.Fatal(err)
	}

	var delivered int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Subscribe(ctx, func(ctx context.Context, e messaging.Event) error {
			if atomic.AddInt32(&delivered, 1) == 2 {
				cancel()
			}
			return nil
		})
	}()

	// the buffer is full until the subscriber starts
	if err := b.Emit(messaging.Event{TransactionID: "t2"}); err != nil {
		t.Fatalf("Emit() on a full buffer error = %v", err)
	}
	<-ctx.Done()
	if n := atomic.LoadInt32(&delivered); n != 2 {
		t.Errorf("Expected both events delivered, got %d", n)
	}
}

func TestBus_EmitTimesOutWithoutSubscriber(t *testing.T) {
	b := New(1)
	b.SetEmitTimeout(20 * time.Millisecond)

	_ = b.Emit(messaging.Event{TransactionID: "t1"})
	if err := b.Emit(messaging.Event{TransactionID: "t2"}); err == nil {
		t.Error("Expected an error once the emit timeout passes")
	}
}

func TestBus_CloseReleasesBlockedEmit(t *testing.T) {
	b := New(1)
	b.SetEmitTimeout(time.Minute)
	_ = b.Emit(messaging.Event{TransactionID: "t1"})

	errc := make(chan error, 1)
	go func() { errc <- b.Emit(messaging.Event{TransactionID: "t2"}) }()

	time.Sleep(20 * time.Millisecond)
	_ = b.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, messaging.ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after Close")
	}
}
