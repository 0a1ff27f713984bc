package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"

	"go.uber.org/zap"
)

// AsyncWriter warms a cache layer in the background through a bounded queue
// and a worker pool, so a read that hits a lower layer never waits on the
// write-back to the upper ones.
type AsyncWriter struct {
	layer      cache.CacheLayer
	queue      chan writeOp
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     AsyncWriterConfig
	metrics    metrics.Collector
	logger     *logging.Logger
	layerName  string

	// Statistics (accessed atomically)
	droppedWrites int64
	totalWrites   int64
	failedWrites  int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
	closeOnce     sync.Once
}

type writeOp struct {
	tx  *models.Transaction
	ttl time.Duration
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full (default: 10ms)
	MaxWaitTime time.Duration

	// WriteTimeout bounds a single Set on the layer (default: 1s)
	WriteTimeout time.Duration

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration
}

// NewAsyncWriter creates a writer without metrics.
func NewAsyncWriter(layer cache.CacheLayer, config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(layer, config, nil)
}

// NewAsyncWriterWithMetrics creates a writer and starts its workers.
// It must be closed with Close().
func NewAsyncWriterWithMetrics(layer cache.CacheLayer, config AsyncWriterConfig, collector metrics.Collector) *AsyncWriter {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		layer:         layer,
		queue:         make(chan writeOp, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.OrNoOp(collector),
		logger:        logging.L().Named("writer").Named(layer.Name()),
		layerName:     layer.Name(),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	go w.reportMetrics()

	return w
}

// Write enqueues tx for the layer. If the queue is full it waits up to
// MaxWaitTime and then drops the write with ErrQueueFull.
func (w *AsyncWriter) Write(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	select {
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	op := writeOp{tx: tx, ttl: ttl}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case w.queue <- op:
		atomic.AddInt64(&w.totalWrites, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&w.droppedWrites, 1)
		w.metrics.RecordWriteDropped(w.layerName)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWriterClosed
	}
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.process(op)
		case <-w.ctx.Done():
			// Drain what is already queued before exiting
			for {
				select {
				case op := <-w.queue:
					w.process(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) process(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := w.layer.Set(ctx, op.tx, op.ttl)
	w.metrics.RecordAsyncWrite(w.layerName, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&w.failedWrites, 1)
		w.logger.Debug("async cache write failed",
			logging.Transaction(op.tx.ID),
			zap.String("error_class", cache.ClassifyError(err)),
			zap.Error(err),
		)
	}
}

// Flush waits until the queue is empty or timeout elapses.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if len(w.queue) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops accepting writes, processes what is queued and waits for the
// workers. It is safe to call more than once.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.metricsStop)
		w.metricsTicker.Stop()
		w.cancelFunc()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.layerName, len(w.queue))
		case <-w.metricsStop:
			return
		}
	}
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    len(w.queue),
		DroppedWrites: atomic.LoadInt64(&w.droppedWrites),
		TotalWrites:   atomic.LoadInt64(&w.totalWrites),
		FailedWrites:  atomic.LoadInt64(&w.failedWrites),
	}
}
