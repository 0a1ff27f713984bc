// Package memory is an in-process command/event channel for tests and for
// running the service without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"transaction-service/pkg/balance"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/messaging"

	"go.uber.org/zap"
)

// maxRedeliveries bounds how often a failing event is handed back to the
// handler before it is dropped.
const maxRedeliveries = 5

// defaultEmitTimeout is how long Emit waits for room in a full buffer.
const defaultEmitTimeout = 5 * time.Second

// Bus records published commands and delivers emitted events to a single
// subscriber. With an attached balance.Service it also plays the account
// service: every command is applied and its outcome emitted as an event.
type Bus struct {
	mu         sync.Mutex
	commands   []messaging.Command
	publishErr func(cmd messaging.Command) error
	executor   balance.Service
	closed     bool

	emitTimeout time.Duration
	events      chan delivery
	done        chan struct{}
	logger      *logging.Logger
}

type delivery struct {
	event    messaging.Event
	attempts int
}

var (
	_ messaging.Publisher  = (*Bus)(nil)
	_ messaging.Subscriber = (*Bus)(nil)
)

// New creates a bus with room for buffer undelivered events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		emitTimeout: defaultEmitTimeout,
		events:      make(chan delivery, buffer),
		done:        make(chan struct{}),
		logger:      logging.L().Named("bus"),
	}
}

// SetEmitTimeout changes how long Emit blocks on a full buffer.
func (b *Bus) SetEmitTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitTimeout = d
}

// Attach makes the bus execute commands against svc.
func (b *Bus) Attach(svc balance.Service) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executor = svc
}

// FailPublish installs a hook returning the error PublishCommand should fail
// with. A nil hook or a nil result lets the publish through.
func (b *Bus) FailPublish(fn func(cmd messaging.Command) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = fn
}

// Commands returns the commands accepted so far.
func (b *Bus) Commands() []messaging.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Command(nil), b.commands...)
}

func (b *Bus) PublishCommand(ctx context.Context, cmd messaging.Command) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return messaging.ErrClosed
	}
	if b.publishErr != nil {
		if err := b.publishErr(cmd); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.commands = append(b.commands, cmd)
	executor := b.executor
	b.mu.Unlock()

	if executor != nil {
		go b.execute(executor, cmd)
	}
	return nil
}

func (b *Bus) execute(svc balance.Service, cmd messaging.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		m   balance.Movement
		err error
	)
	switch cmd.Step {
	case messaging.StepDebit:
		m, err = svc.Debit(ctx, cmd.Account, cmd.Amount, cmd.Reference)
	case messaging.StepCredit:
		m, err = svc.Credit(ctx, cmd.Account, cmd.Amount, cmd.Reference)
	default:
		err = fmt.Errorf("%w: unknown step %q", messaging.ErrMalformed, cmd.Step)
	}

	event := messaging.Event{
		TransactionID: cmd.TransactionID,
		Step:          cmd.Step,
		Status:        messaging.OutcomeSuccess,
		OccurredAt:    time.Now().UTC(),
	}
	if err != nil {
		event.Status = messaging.OutcomeFailed
		event.FailureReason = err.Error()
	} else {
		event.BalanceBefore = &m.BalanceBefore
		event.BalanceAfter = &m.BalanceAfter
	}

	if err := b.Emit(event); err != nil {
		// the saga stays at *_SENT and is reported stale by Resume
		b.logger.Error("event lost",
			logging.Transaction(cmd.TransactionID),
			zap.String("step", string(cmd.Step)),
			zap.String("status", string(event.Status)),
			zap.Error(err),
		)
	}
}

// Emit queues event for the subscriber, waiting up to the emit timeout for
// room in the buffer.
func (b *Bus) Emit(event messaging.Event) error {
	b.mu.Lock()
	closed, timeout := b.closed, b.emitTimeout
	b.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}

	select {
	case b.events <- delivery{event: event}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.events <- delivery{event: event}:
		return nil
	case <-b.done:
		return messaging.ErrClosed
	case <-timer.C:
		return fmt.Errorf("memory bus: event buffer full after %s", timeout)
	}
}

// Subscribe delivers events until ctx is done or the bus is closed. A failed
// event is requeued up to maxRedeliveries times.
func (b *Bus) Subscribe(ctx context.Context, handler messaging.Handler) error {
	for {
		select {
		case <-b.done:
			return messaging.ErrClosed
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return messaging.ErrClosed
		case d := <-b.events:
			if err := handler(ctx, d.event); err != nil {
				b.requeue(d, err)
			}
		}
	}
}

func (b *Bus) requeue(d delivery, cause error) {
	d.attempts++
	if d.attempts > maxRedeliveries {
		b.logger.Error("event dropped after redeliveries",
			logging.Transaction(d.event.TransactionID),
			zap.Int("attempts", d.attempts),
			zap.Error(cause),
		)
		return
	}

	// the subscriber is the only reader, so waiting here could never end
	select {
	case <-b.done:
	case b.events <- d:
	default:
		b.logger.Error("event dropped, buffer full", logging.Transaction(d.event.TransactionID))
	}
}

// Close stops delivery. Pending events are discarded.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
