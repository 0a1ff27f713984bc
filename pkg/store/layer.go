package store

import (
	"context"
	"errors"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/models"
)

// TransactionLayer exposes a TransactionStore as the read-only bottom tier of
// the transaction cache chain. Only terminal rows are served; anything still
// in flight reads as a miss so it is never copied into the upper tiers.
//
// Set and Delete are no-ops: rows are written through the ledger, not the cache.
type TransactionLayer struct {
	store TransactionStore
	name  string
}

// NewTransactionLayer wraps ts. An empty name defaults to "store".
func NewTransactionLayer(ts TransactionStore, name string) *TransactionLayer {
	if name == "" {
		name = "store"
	}
	return &TransactionLayer{store: ts, name: name}
}

func (l *TransactionLayer) Get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, cache.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if !tx.Status.IsTerminal() {
		return nil, cache.ErrKeyNotFound
	}
	return tx, nil
}

func (l *TransactionLayer) Set(context.Context, *models.Transaction, time.Duration) error {
	return nil
}

func (l *TransactionLayer) Delete(context.Context, string) error {
	return nil
}

func (l *TransactionLayer) Name() string {
	return l.name
}

// Close does not close the underlying store; its owner does.
func (l *TransactionLayer) Close() error {
	return nil
}
