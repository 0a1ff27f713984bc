// Package idempotency makes ledger writes safe to retry. A caller-supplied
// key is stored on the transaction row under a unique constraint; a repeated
// key returns the row recorded the first time.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"transaction-service/pkg/logging"
	"transaction-service/pkg/metrics"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store"

	"go.uber.org/zap"
)

// Guard looks up and claims idempotency keys. Keys are kept for as long as
// their transaction row exists.
type Guard struct {
	store   store.TransactionStore
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewGuard creates a guard over ts.
func NewGuard(ts store.TransactionStore, collector metrics.Collector) *Guard {
	return &Guard{
		store:   ts,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.L().Named("idempotency"),
	}
}

// Lookup returns the transaction previously recorded under key.
// A nil or empty key never matches.
func (g *Guard) Lookup(ctx context.Context, key *string) (*models.Transaction, bool, error) {
	if key == nil || *key == "" {
		return nil, false, nil
	}

	tx, err := g.store.GetTransactionByIdempotencyKey(ctx, *key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	g.metrics.RecordIdempotentReplay(string(tx.Type))
	g.logger.Debug("idempotent replay",
		zap.String("idempotency_key", *key),
		logging.Transaction(tx.ID),
	)
	return tx, true, nil
}

// Claim inserts tx. If another request claimed the same key first, the
// winner's row is returned with replayed set instead of an error.
func (g *Guard) Claim(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	if tx.IdempotencyKey != nil && *tx.IdempotencyKey == "" {
		tx.IdempotencyKey = nil
	}

	err := g.store.InsertTransaction(ctx, tx)
	if err == nil {
		return tx, false, nil
	}
	if !errors.Is(err, models.ErrDuplicate) || tx.IdempotencyKey == nil {
		return nil, false, err
	}

	winner, found, lookupErr := g.Lookup(ctx, tx.IdempotencyKey)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	if !found {
		// the conflict was on the id, not the key
		return nil, false, err
	}

	g.logger.Info("idempotency key claimed concurrently, returning winner",
		zap.String("idempotency_key", *tx.IdempotencyKey),
		logging.Transaction(winner.ID),
	)
	return winner, true, nil
}
