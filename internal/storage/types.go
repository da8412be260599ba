package storage

import (
	"context"
	"time"

	"postpilot/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists job batches.
//
// Every failure other than a missing batch is returned as *domain.StoreError.
// Loaded batches are validated; violations wrap domain.ErrSchema.
type Store interface {
	// CreateBatch persists a new batch. An existing batch with jobs for the
	// same key is never overwritten (domain.ErrBatchExists).
	CreateBatch(ctx context.Context, b *domain.Batch) error
	// LoadBatch returns the batch for key; a missing batch wraps domain.ErrNotFound.
	LoadBatch(ctx context.Context, key domain.BatchKey) (*domain.Batch, error)
	// LatestBatch returns the batch with the greatest date for target.
	LatestBatch(ctx context.Context, target domain.Target) (*domain.Batch, error)
	// ListBatches returns the keys stored for target, newest first.
	ListBatches(ctx context.Context, target domain.Target) ([]domain.BatchKey, error)
	// UpdateJob replaces the mutable fields of one job (status, updated_at, error).
	UpdateJob(ctx context.Context, key domain.BatchKey, job domain.Job) error

	DedupStore
	Close() error
}

// DedupStore keeps notification suppression deadlines across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsStoreError(err) {
		return err
	}
	return &domain.StoreError{Op: op, Err: err}
}
