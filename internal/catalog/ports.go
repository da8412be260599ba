// Package catalog holds the two leaf adapters the scheduler reads from: the
// asset catalog (what can be published) and the account registry (who can
// publish it). Both have JSON-file implementations that keep the data in
// operator-editable files.
package catalog

import (
	"context"
	"time"

	"postpilot/internal/domain"
)

// AssetCatalog exposes assets not yet published to a target and records
// publish completion.
type AssetCatalog interface {
	// ListUnpublished returns assets not yet published to target, in catalog order.
	ListUnpublished(ctx context.Context, target domain.Target) ([]domain.Asset, error)
	// Get returns one asset; missing ids wrap domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Asset, error)
	// MarkPublished is idempotent: marking twice keeps the flag true and does not error.
	MarkPublished(ctx context.Context, id string, target domain.Target, at time.Time) error
}

// AccountRegistry exposes usable accounts for a target.
type AccountRegistry interface {
	// ListActive returns active accounts ordered by identifier.
	ListActive(ctx context.Context, target domain.Target) ([]domain.Account, error)
	// HasValidSession reports whether the account's session artifact is present.
	HasValidSession(ctx context.Context, target domain.Target, account domain.Account) (bool, error)
}
