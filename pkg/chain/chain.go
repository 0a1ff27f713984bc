package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/resilience"
	"transaction-service/pkg/writer"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Chain is the read cache for terminal transactions. Layers are ordered from
// fastest (L1) to slowest; a hit in a lower layer warms the ones above it.
type Chain struct {
	layers  []cache.CacheLayer
	writers []*writer.AsyncWriter
	sf      singleflight.Group
	ttl     time.Duration
	ttls    TTLStrategy
	metrics metrics.Collector
	logger  *logging.Logger
}

// Config tunes a chain. Zero values fall back to defaults.
type Config struct {
	// TTL is the base entry lifetime (default: 1h)
	TTL time.Duration

	// TTLStrategy maps the base TTL onto each layer (default: uniform)
	TTLStrategy TTLStrategy

	// Writer configures the warm-up writer of every layer
	Writer writer.AsyncWriterConfig

	// Metrics receives cache and chain measurements
	Metrics metrics.Collector
}

// New creates a chain with default configuration.
func New(layers ...cache.CacheLayer) (*Chain, error) {
	return NewWithConfig(Config{}, layers...)
}

// NewWithConfig wraps every layer with resilience protection and an async
// warm-up writer. L1 gets a tight timeout, deeper layers a looser one.
func NewWithConfig(config Config, layers ...cache.CacheLayer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.TTLStrategy == nil {
		config.TTLStrategy = &UniformTTLStrategy{}
	}
	collector := metrics.OrNoOp(config.Metrics)

	resilientLayers := make([]cache.CacheLayer, len(layers))
	writers := make([]*writer.AsyncWriter, len(layers))
	for i, layer := range layers {
		rc := resilience.DefaultResilientConfig()
		if i == 0 {
			rc = rc.WithTimeout(100 * time.Millisecond)
		} else {
			rc = rc.WithTimeout(time.Second)
		}

		resilientLayers[i] = resilience.NewResilientLayerWithMetrics(layer, rc, collector)
		writers[i] = writer.NewAsyncWriterWithMetrics(resilientLayers[i], config.Writer, collector)
	}

	return &Chain{
		layers:  resilientLayers,
		writers: writers,
		ttl:     config.TTL,
		ttls:    config.TTLStrategy,
		metrics: collector,
		logger:  logging.L().Named("chain"),
	}, nil
}

// Get returns the transaction from the first layer that has it, or
// cache.ErrKeyNotFound. Concurrent lookups for one id share a traversal.
func (c *Chain) Get(ctx context.Context, id string) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		return c.getWithFallback(ctx, id)
	})
	if err != nil {
		c.metrics.RecordChainGet(false, -1, time.Since(start))
		return nil, err
	}

	hit := result.(layerHit)
	c.metrics.RecordChainGet(true, hit.index, time.Since(start))
	return hit.tx.Clone(), nil
}

type layerHit struct {
	tx    *models.Transaction
	index int
}

func (c *Chain) getWithFallback(ctx context.Context, id string) (layerHit, error) {
	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return layerHit{}, err
		}

		tx, err := layer.Get(ctx, id)
		if err != nil {
			// Misses and unhealthy layers both fall through to the next layer
			if !cache.IsNotFound(err) {
				c.logger.Debug("layer get failed",
					zap.String("layer", layer.Name()),
					zap.String("error_class", cache.ClassifyError(err)),
				)
			}
			continue
		}

		if i > 0 {
			c.warmUpperLayers(ctx, tx, i)
		}
		return layerHit{tx: tx, index: i}, nil
	}

	return layerHit{}, cache.ErrKeyNotFound
}

// warmUpperLayers queues tx for every layer above hitIndex. Dropped writes
// are counted by the writers and otherwise ignored.
func (c *Chain) warmUpperLayers(ctx context.Context, tx *models.Transaction, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		_ = c.writers[i].Write(ctx, tx, c.ttls.GetTTL(i, c.ttl))
	}
}

// Set writes tx to every layer. Non-terminal transactions are rejected with
// cache.ErrInvalidValue since cached entries are never invalidated on update.
func (c *Chain) Set(ctx context.Context, tx *models.Transaction) error {
	if tx == nil || !tx.Status.IsTerminal() {
		return cache.ErrInvalidValue
	}

	var errs error
	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := layer.Set(ctx, tx, c.ttls.GetTTL(i, c.ttl)); err != nil {
			errs = multierr.Append(errs, cache.WrapError(err, layer.Name(), "set"))
		}
	}
	return errs
}

// Delete removes id from every layer.
func (c *Chain) Delete(ctx context.Context, id string) error {
	var errs error
	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := layer.Delete(ctx, id); err != nil {
			errs = multierr.Append(errs, cache.WrapError(err, layer.Name(), "delete"))
		}
	}
	return errs
}

// Close flushes the warm-up writers and closes every layer.
func (c *Chain) Close() error {
	var errs error
	for _, w := range c.writers {
		errs = multierr.Append(errs, w.Close())
	}
	for _, layer := range c.layers {
		errs = multierr.Append(errs, layer.Close())
	}
	return errs
}

// Layers returns a copy of the layers slice for inspection.
func (c *Chain) Layers() []cache.CacheLayer {
	layers := make([]cache.CacheLayer, len(c.layers))
	copy(layers, c.layers)
	return layers
}

// Len returns the number of layers in the chain.
func (c *Chain) Len() int {
	return len(c.layers)
}

// String returns e.g. "chain(2 layers): L1 -> redis".
func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain(%d layers): %s", len(c.layers), strings.Join(names, " -> "))
}
