package writer

import "errors"

var (
	// ErrQueueFull means a warm-up write waited MaxWaitTime and was dropped.
	ErrQueueFull = errors.New("writer: warm-up queue full")

	ErrWriterClosed = errors.New("writer: closed")

	// ErrFlushTimeout means queued warm-ups were still pending at the deadline.
	ErrFlushTimeout = errors.New("writer: flush deadline exceeded")
)

// AsyncWriterStats counts warm-up writes for one cache layer. Counters are
// cumulative since the writer was created.
type AsyncWriterStats struct {
	QueueDepth    int
	DroppedWrites int64
	TotalWrites   int64
	FailedWrites  int64
}
