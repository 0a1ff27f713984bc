package cache

import (
	"context"
	"time"

	"transaction-service/pkg/models"
)

// CacheLayer is one tier of the transaction read cache.
// Only terminal transactions are stored, so entries never need invalidation
// on update; Delete exists for operator repair.
type CacheLayer interface {
	// Get returns the cached transaction or ErrKeyNotFound.
	Get(ctx context.Context, id string) (*models.Transaction, error)

	// Set stores tx under tx.ID for ttl. A zero ttl uses the layer default.
	Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, id string) error

	// Name identifies the layer in logs and metrics (e.g. "L1", "redis").
	Name() string

	// Close releases any resources held by the layer.
	Close() error
}
