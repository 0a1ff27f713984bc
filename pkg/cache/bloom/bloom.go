package bloom

import (
	"context"
	"sync"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/models"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomLayer puts a membership filter in front of a cache layer so lookups
// for ids that were never cached skip the layer entirely. A filter hit that
// the layer misses (expired, evicted or a false positive) is counted.
type BloomLayer struct {
	layer  cache.CacheLayer
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewBloomLayer creates a new bloom filter layer wrapper.
func NewBloomLayer(layer cache.CacheLayer, expectedItems uint, falsePositiveRate float64) *BloomLayer {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &BloomLayer{
		layer:             layer,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

// Name returns the name of the underlying cache layer.
func (bl *BloomLayer) Name() string {
	return bl.layer.Name()
}

func (bl *BloomLayer) Get(ctx context.Context, id string) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bl.mu.Lock()
	bl.totalQueries++
	if !bl.filter.TestString(id) {
		bl.bloomRejected++
		bl.mu.Unlock()
		return nil, cache.ErrKeyNotFound
	}
	bl.mu.Unlock()

	tx, err := bl.layer.Get(ctx, id)
	if cache.IsNotFound(err) {
		bl.mu.Lock()
		bl.falsePositives++
		bl.mu.Unlock()
	}

	return tx, err
}

func (bl *BloomLayer) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx == nil {
		return cache.ErrInvalidValue
	}

	bl.mu.Lock()
	bl.filter.AddString(tx.ID)
	bl.mu.Unlock()

	return bl.layer.Set(ctx, tx, ttl)
}

// Delete removes the entry from the underlying layer. The filter keeps the
// id, which only costs one extra lookup later.
func (bl *BloomLayer) Delete(ctx context.Context, id string) error {
	return bl.layer.Delete(ctx, id)
}

func (bl *BloomLayer) Close() error {
	return bl.layer.Close()
}

// Reset clears the filter and its counters.
func (bl *BloomLayer) Reset() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.filter = bloom.NewWithEstimates(bl.expectedItems, bl.falsePositiveRate)
	bl.totalQueries = 0
	bl.bloomRejected = 0
	bl.falsePositives = 0
}

// Stats returns statistics about the bloom filter.
func (bl *BloomLayer) Stats() BloomStats {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0

	if bl.totalQueries > 0 {
		rejectionRate = float64(bl.bloomRejected) / float64(bl.totalQueries)
		queried := bl.totalQueries - bl.bloomRejected
		if queried > 0 {
			falsePositiveRate = float64(bl.falsePositives) / float64(queried)
		}
	}

	return BloomStats{
		TotalQueries:      bl.totalQueries,
		BloomRejected:     bl.bloomRejected,
		FalsePositives:    bl.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    bl.filter.Cap(),
	}
}

// BloomStats holds statistics about bloom filter performance.
type BloomStats struct {
	TotalQueries      uint64
	BloomRejected     uint64
	FalsePositives    uint64
	RejectionRate     float64
	FalsePositiveRate float64
	FilterCapacity    uint
}
