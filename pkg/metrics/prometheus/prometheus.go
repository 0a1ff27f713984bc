package prometheus

import (
	"strconv"
	"time"

	"transaction-service/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Cache
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheDeletes *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec
	chainGets    *prometheus.CounterVec
	chainLatency *prometheus.HistogramVec

	// Async writer
	queueDepth    *prometheus.GaugeVec
	droppedWrites *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Domain
	ledgerWrites         *prometheus.CounterVec
	idempotentReplays    *prometheus.CounterVec
	limitRejections      *prometheus.CounterVec
	balanceCalls         *prometheus.CounterVec
	balanceLatency       *prometheus.HistogramVec
	sagaTransitions      *prometheus.CounterVec
	compensationFailures prometheus.Counter
	scheduledRuns        *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	latency := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
		}, labels)
	}

	return &PrometheusCollector{
		namespace:     namespace,
		cacheHits:     counter("cache_hits_total", "Total number of transaction cache hits per layer", "layer"),
		cacheMisses:   counter("cache_misses_total", "Total number of transaction cache misses per layer", "layer"),
		cacheSets:     counter("cache_sets_total", "Total number of cache set operations per layer", "layer"),
		cacheDeletes:  counter("cache_deletes_total", "Total number of cache delete operations per layer", "layer"),
		cacheErrors:   counter("cache_errors_total", "Total number of cache errors per layer and operation", "layer", "operation"),
		cacheLatency:  latency("cache_operation_duration_seconds", "Cache operation latency", "layer", "operation"),
		chainGets:     counter("cache_chain_gets_total", "Chain-level lookups by hit layer", "layer_index"),
		chainLatency:  latency("cache_chain_get_duration_seconds", "Chain get operation total latency", "hit"),
		droppedWrites: counter("cache_dropped_writes_total", "Total number of dropped async cache writes per layer", "layer"),
		asyncWrites:   counter("cache_async_writes_total", "Total number of async cache writes per layer", "layer", "status"),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_queue_depth",
			Help:      "Current async writer queue depth per layer",
		}, []string{"layer"}),
		circuitOpens: counter("circuit_opens_total", "Total number of circuit breaker opens", "name"),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ledgerWrites:      counter("ledger_writes_total", "Ledger write attempts by type and outcome", "type", "outcome"),
		idempotentReplays: counter("ledger_idempotent_replays_total", "Requests answered from a stored idempotency key", "type"),
		limitRejections:   counter("ledger_limit_rejections_total", "Requests rejected by a transaction limit", "limit"),
		balanceCalls:      counter("balance_calls_total", "Calls to the account balance service", "operation", "status"),
		balanceLatency:    latency("balance_call_duration_seconds", "Account balance service call latency", "operation"),
		sagaTransitions:   counter("saga_transitions_total", "Transfer saga steps persisted", "step"),
		compensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensation_failures_total",
			Help:      "Reversals that failed and need manual review",
		}),
		scheduledRuns: counter("scheduled_runs_total", "Scheduled transaction executions by outcome", "outcome"),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.cacheLatency,
		pc.chainGets,
		pc.chainLatency,
		pc.queueDepth,
		pc.droppedWrites,
		pc.asyncWrites,
		pc.circuitOpens,
		pc.circuitState,
		pc.ledgerWrites,
		pc.idempotentReplays,
		pc.limitRejections,
		pc.balanceCalls,
		pc.balanceLatency,
		pc.sagaTransitions,
		pc.compensationFailures,
		pc.scheduledRuns,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordCacheGet records a cache get operation.
func (pc *PrometheusCollector) RecordCacheGet(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(layer).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(layer).Inc()
	}
	pc.cacheLatency.WithLabelValues(layer, "get").Observe(duration.Seconds())
}

// RecordCacheSet records a cache set operation.
func (pc *PrometheusCollector) RecordCacheSet(layer string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "set").Inc()
	}
	pc.cacheLatency.WithLabelValues(layer, "set").Observe(duration.Seconds())
}

// RecordCacheDelete records a cache delete operation.
func (pc *PrometheusCollector) RecordCacheDelete(layer string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "delete").Inc()
	}
	pc.cacheLatency.WithLabelValues(layer, "delete").Observe(duration.Seconds())
}

// RecordChainGet records a chain-level get. layerIndex is -1 on a full miss.
func (pc *PrometheusCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	label := "miss"
	if hit {
		label = strconv.Itoa(layerIndex)
	}
	pc.chainGets.WithLabelValues(label).Inc()
	pc.chainLatency.WithLabelValues(strconv.FormatBool(hit)).Observe(totalDuration.Seconds())
}

// RecordQueueDepth records the current async writer queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(layer string, depth int) {
	pc.queueDepth.WithLabelValues(layer).Set(float64(depth))
}

// RecordWriteDropped records a dropped async write.
func (pc *PrometheusCollector) RecordWriteDropped(layer string) {
	pc.droppedWrites.WithLabelValues(layer).Inc()
}

// RecordAsyncWrite records an async write operation.
func (pc *PrometheusCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.asyncWrites.WithLabelValues(layer, status).Inc()
	pc.cacheLatency.WithLabelValues(layer, "async_set").Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

// RecordLedgerWrite records the outcome of a debit, credit or transfer request.
func (pc *PrometheusCollector) RecordLedgerWrite(txType string, outcome string) {
	pc.ledgerWrites.WithLabelValues(txType, outcome).Inc()
}

// RecordIdempotentReplay records a request answered from a stored key.
func (pc *PrometheusCollector) RecordIdempotentReplay(txType string) {
	pc.idempotentReplays.WithLabelValues(txType).Inc()
}

// RecordLimitRejection records a limit breach.
func (pc *PrometheusCollector) RecordLimitRejection(limit string) {
	pc.limitRejections.WithLabelValues(limit).Inc()
}

// RecordBalanceCall records a call to the balance service.
func (pc *PrometheusCollector) RecordBalanceCall(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.balanceCalls.WithLabelValues(operation, status).Inc()
	pc.balanceLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSagaTransition records a persisted saga step.
func (pc *PrometheusCollector) RecordSagaTransition(step string) {
	pc.sagaTransitions.WithLabelValues(step).Inc()
}

// RecordCompensationFailure records a reversal that needs manual review.
func (pc *PrometheusCollector) RecordCompensationFailure() {
	pc.compensationFailures.Inc()
}

// RecordScheduledRun records the outcome of one scheduled execution.
func (pc *PrometheusCollector) RecordScheduledRun(outcome string) {
	pc.scheduledRuns.WithLabelValues(outcome).Inc()
}
