package memory

import (
	"context"
	"sync"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/models"
)

// MemoryCache is the in-process L1 transaction cache.
// It is safe for concurrent use, expires entries by TTL and evicts the least
// recently used entry once MaxSize is reached.
type MemoryCache struct {
	data map[string]*entry
	mu   sync.RWMutex

	config MemoryCacheConfig

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
}

type entry struct {
	tx         *models.Transaction
	expiresAt  time.Time
	accessedAt time.Time
}

// MemoryCacheConfig holds configuration for the memory cache
type MemoryCacheConfig struct {
	// Name is the cache layer identifier
	Name string

	// MaxSize is the maximum number of entries (0 = unlimited)
	MaxSize int

	// DefaultTTL is the default time-to-live for entries
	DefaultTTL time.Duration

	// CleanupInterval is how often to check for expired entries
	CleanupInterval time.Duration
}

// NewMemoryCache creates a new in-memory cache and starts its TTL sweeper.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = time.Hour
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	c.wg.Add(1)
	go c.cleanup()

	return c
}

// Get returns a copy of the cached transaction.
func (c *MemoryCache) Get(ctx context.Context, id string) (*models.Transaction, error) {
	if err := cache.ValidateKey(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[id]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(c.data, id)
		return nil, cache.ErrKeyNotFound
	}

	e.accessedAt = time.Now()
	return e.tx.Clone(), nil
}

// Set stores a copy of tx. If ttl is 0 the default TTL is used.
func (c *MemoryCache) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	if tx == nil {
		return cache.ErrInvalidValue
	}
	if err := cache.ValidateKey(tx.ID); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[tx.ID]; !exists && c.config.MaxSize > 0 && len(c.data) >= c.config.MaxSize {
		c.evictLRU()
	}

	c.data[tx.ID] = &entry{
		tx:         tx.Clone(),
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}

	return nil
}

// evictLRU must be called with c.mu held.
func (c *MemoryCache) evictLRU() {
	var lruKey string
	var lruTime time.Time

	for k, e := range c.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}
	if lruKey != "" {
		delete(c.data, lruKey)
	}
}

// Delete removes a key from the cache.
func (c *MemoryCache) Delete(ctx context.Context, id string) error {
	if err := cache.ValidateKey(id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.data, id)
	c.mu.Unlock()

	return nil
}

// Name returns the cache layer name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the sweeper and drops all entries.
func (c *MemoryCache) Close() error {
	c.cleanupTicker.Stop()
	close(c.stopCleanup)
	c.wg.Wait()

	c.mu.Lock()
	c.data = make(map[string]*entry)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) cleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
		}
	}
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() MemoryCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := MemoryCacheStats{
		Size:     len(c.data),
		MaxSize:  c.config.MaxSize,
		Capacity: c.config.MaxSize,
	}
	if stats.Capacity == 0 {
		stats.Capacity = -1
	}
	return stats
}

// MemoryCacheStats holds cache statistics.
type MemoryCacheStats struct {
	Size     int // Current number of entries
	MaxSize  int // Maximum allowed entries (0 = unlimited)
	Capacity int // Effective capacity (-1 = unlimited)
}
