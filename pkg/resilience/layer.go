package resilience

import (
	"context"
	"errors"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"

	"go.uber.org/zap"
)

// ResilientLayer wraps a CacheLayer with circuit breaker and timeout
// protection. Cache misses are normal results and never trip the breaker.
type ResilientLayer struct {
	layer   cache.CacheLayer
	exec    *Executor
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewResilientLayer creates a resilient wrapper without metrics.
func NewResilientLayer(layer cache.CacheLayer, config ResilientConfig) *ResilientLayer {
	return NewResilientLayerWithMetrics(layer, config, nil)
}

// NewResilientLayerWithMetrics creates a resilient wrapper reporting to collector.
func NewResilientLayerWithMetrics(layer cache.CacheLayer, config ResilientConfig, collector metrics.Collector) *ResilientLayer {
	config = config.WithoutRetry()
	isSuccessful := config.CircuitBreakerConfig.IsSuccessful
	config.CircuitBreakerConfig.IsSuccessful = func(err error) bool {
		if err == nil || cache.IsNotFound(err) {
			return true
		}
		if isSuccessful != nil {
			return isSuccessful(err)
		}
		return false
	}

	return &ResilientLayer{
		layer:   layer,
		exec:    NewExecutor("cache_"+layer.Name(), config, collector),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.L().Named("resilience").Named(layer.Name()),
	}
}

// Name returns the name of the underlying cache layer.
func (rl *ResilientLayer) Name() string {
	return rl.layer.Name()
}

// State returns the breaker state for this layer.
func (rl *ResilientLayer) State() metrics.CircuitState {
	return rl.exec.State()
}

func (rl *ResilientLayer) Get(ctx context.Context, id string) (*models.Transaction, error) {
	start := time.Now()

	result, err := rl.exec.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return rl.layer.Get(ctx, id)
	})
	rl.metrics.RecordCacheGet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		err = rl.translate(err, "get", zap.String("id", id))
		return nil, err
	}
	return result.(*models.Transaction), nil
}

func (rl *ResilientLayer) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	start := time.Now()

	_, err := rl.exec.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, rl.layer.Set(ctx, tx, ttl)
	})
	rl.metrics.RecordCacheSet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		return rl.translate(err, "set", zap.Duration("ttl", ttl))
	}
	return nil
}

func (rl *ResilientLayer) Delete(ctx context.Context, id string) error {
	start := time.Now()

	_, err := rl.exec.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, rl.layer.Delete(ctx, id)
	})
	rl.metrics.RecordCacheDelete(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		return rl.translate(err, "delete", zap.String("id", id))
	}
	return nil
}

// Close closes the underlying cache layer.
func (rl *ResilientLayer) Close() error {
	return rl.layer.Close()
}

// translate maps executor errors onto cache errors and logs anything that
// is not a plain miss.
func (rl *ResilientLayer) translate(err error, op string, fields ...zap.Field) error {
	switch {
	case cache.IsNotFound(err):
		return err
	case errors.Is(err, ErrCircuitOpen):
		rl.logger.Warn("circuit breaker open - request rejected", append(fields, zap.String("operation", op))...)
		return cache.ErrCircuitOpen
	case errors.Is(err, ErrTimeout):
		return cache.ErrTimeout
	default:
		rl.logger.Error(op+" operation failed", append(fields, zap.Error(err))...)
		return err
	}
}
