package metrics

import (
	"time"
)

// Collector defines the interface for collecting service metrics.
// Implementations export to a backend (Prometheus) or keep values in memory for tests.
type Collector interface {
	// Transaction cache
	RecordCacheGet(layer string, hit bool, duration time.Duration)
	RecordCacheSet(layer string, success bool, duration time.Duration)
	RecordCacheDelete(layer string, success bool, duration time.Duration)
	RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration)

	// Async cache writer
	RecordQueueDepth(layer string, depth int)
	RecordWriteDropped(layer string)
	RecordAsyncWrite(layer string, success bool, duration time.Duration)

	// Circuit breakers (cache layers and the balance service)
	RecordCircuitState(name string, state CircuitState)

	// Ledger
	RecordLedgerWrite(txType string, outcome string)
	RecordIdempotentReplay(txType string)
	RecordLimitRejection(limit string)

	// Balance service
	RecordBalanceCall(operation string, success bool, duration time.Duration)

	// Transfer saga
	RecordSagaTransition(step string)
	RecordCompensationFailure()

	// Scheduled transactions
	RecordScheduledRun(outcome string)
}

// Ledger write outcomes.
const (
	OutcomeCreated  = "created"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Scheduled run outcomes.
const (
	RunExecuted  = "executed"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordCacheGet(string, bool, time.Duration)    {}
func (NoOpCollector) RecordCacheSet(string, bool, time.Duration)    {}
func (NoOpCollector) RecordCacheDelete(string, bool, time.Duration) {}
func (NoOpCollector) RecordChainGet(bool, int, time.Duration)       {}
func (NoOpCollector) RecordQueueDepth(string, int)                  {}
func (NoOpCollector) RecordWriteDropped(string)                     {}
func (NoOpCollector) RecordAsyncWrite(string, bool, time.Duration)  {}
func (NoOpCollector) RecordCircuitState(string, CircuitState)       {}
func (NoOpCollector) RecordLedgerWrite(string, string)              {}
func (NoOpCollector) RecordIdempotentReplay(string)                 {}
func (NoOpCollector) RecordLimitRejection(string)                   {}
func (NoOpCollector) RecordBalanceCall(string, bool, time.Duration) {}
func (NoOpCollector) RecordSagaTransition(string)                   {}
func (NoOpCollector) RecordCompensationFailure()                    {}
func (NoOpCollector) RecordScheduledRun(string)                     {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
