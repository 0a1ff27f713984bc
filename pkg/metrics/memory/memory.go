package memory

import (
	"sync"
	"time"

	"transaction-service/pkg/metrics"
)

// MemoryCollector implements metrics.Collector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	layerMetrics map[string]*LayerMetrics
	circuits     map[string]metrics.CircuitState

	chainHits   int64
	chainMisses int64

	ledgerWrites         map[string]int64 // "TYPE/outcome"
	replays              map[string]int64
	limitRejections      map[string]int64
	balanceCalls         map[string]int64 // "operation/status"
	sagaTransitions      map[string]int64
	compensationFailures int64
	scheduledRuns        map[string]int64
}

// LayerMetrics holds metrics for a single cache layer.
type LayerMetrics struct {
	Hits          int64
	Misses        int64
	Sets          int64
	Deletes       int64
	Errors        int64
	QueueDepth    int
	DroppedWrites int64
	AsyncWrites   int64
	AsyncErrors   int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.Reset()
	return mc
}

// layer must be called with mc.mu held.
func (mc *MemoryCollector) layer(name string) *LayerMetrics {
	lm, ok := mc.layerMetrics[name]
	if !ok {
		lm = &LayerMetrics{}
		mc.layerMetrics[name] = lm
	}
	return lm
}

func (mc *MemoryCollector) RecordCacheGet(layer string, hit bool, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.layer(layer).Hits++
	} else {
		mc.layer(layer).Misses++
	}
}

func (mc *MemoryCollector) RecordCacheSet(layer string, success bool, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
}

func (mc *MemoryCollector) RecordCacheDelete(layer string, success bool, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
}

func (mc *MemoryCollector) RecordChainGet(hit bool, _ int, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.chainHits++
	} else {
		mc.chainMisses++
	}
}

func (mc *MemoryCollector) RecordQueueDepth(layer string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.layer(layer).QueueDepth = depth
}

func (mc *MemoryCollector) RecordWriteDropped(layer string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.layer(layer).DroppedWrites++
}

func (mc *MemoryCollector) RecordAsyncWrite(layer string, success bool, _ time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.AsyncWrites++
	if !success {
		lm.AsyncErrors++
	}
}

func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.circuits[name] = state
}

func (mc *MemoryCollector) RecordLedgerWrite(txType string, outcome string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ledgerWrites[txType+"/"+outcome]++
}

func (mc *MemoryCollector) RecordIdempotentReplay(txType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.replays[txType]++
}

func (mc *MemoryCollector) RecordLimitRejection(limit string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.limitRejections[limit]++
}

func (mc *MemoryCollector) RecordBalanceCall(operation string, success bool, _ time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.balanceCalls[operation+"/"+status]++
}

func (mc *MemoryCollector) RecordSagaTransition(step string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.sagaTransitions[step]++
}

func (mc *MemoryCollector) RecordCompensationFailure() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.compensationFailures++
}

func (mc *MemoryCollector) RecordScheduledRun(outcome string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.scheduledRuns[outcome]++
}

// Snapshot is a point-in-time copy of the collected values.
type Snapshot struct {
	LayerMetrics         map[string]LayerMetrics
	Circuits             map[string]metrics.CircuitState
	ChainHits            int64
	ChainMisses          int64
	LedgerWrites         map[string]int64
	Replays              map[string]int64
	LimitRejections      map[string]int64
	BalanceCalls         map[string]int64
	SagaTransitions      map[string]int64
	CompensationFailures int64
	ScheduledRuns        map[string]int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		LayerMetrics:         make(map[string]LayerMetrics, len(mc.layerMetrics)),
		Circuits:             make(map[string]metrics.CircuitState, len(mc.circuits)),
		ChainHits:            mc.chainHits,
		ChainMisses:          mc.chainMisses,
		LedgerWrites:         copyCounts(mc.ledgerWrites),
		Replays:              copyCounts(mc.replays),
		LimitRejections:      copyCounts(mc.limitRejections),
		BalanceCalls:         copyCounts(mc.balanceCalls),
		SagaTransitions:      copyCounts(mc.sagaTransitions),
		CompensationFailures: mc.compensationFailures,
		ScheduledRuns:        copyCounts(mc.scheduledRuns),
	}
	for name, lm := range mc.layerMetrics {
		s.LayerMetrics[name] = *lm
	}
	for name, state := range mc.circuits {
		s.Circuits[name] = state
	}
	return s
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layerMetrics = make(map[string]*LayerMetrics)
	mc.circuits = make(map[string]metrics.CircuitState)
	mc.chainHits = 0
	mc.chainMisses = 0
	mc.ledgerWrites = make(map[string]int64)
	mc.replays = make(map[string]int64)
	mc.limitRejections = make(map[string]int64)
	mc.balanceCalls = make(map[string]int64)
	mc.sagaTransitions = make(map[string]int64)
	mc.compensationFailures = 0
	mc.scheduledRuns = make(map[string]int64)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
