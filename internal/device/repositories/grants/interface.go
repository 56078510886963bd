// Package grants persists delegation grants on the delegate's device,
// including the sealed key envelopes fetched from the relay.
package grants

import (
	"context"
	"time"

	"github.com/syncwell/recordsync/internal/device/models"
)

type Repository interface {
	// Save inserts or replaces a grant by id.
	Save(ctx context.Context, g *models.StoredGrant) error
	// GetByID returns the grant or common.ErrorNotFound.
	GetByID(ctx context.Context, id string) (*models.StoredGrant, error)
	// List returns every stored grant.
	List(ctx context.Context) ([]*models.StoredGrant, error)
	// LiveByScope returns an unrevoked, unexpired grant for the scope, or
	// common.ErrorNotFound.
	LiveByScope(ctx context.Context, scope string, now time.Time) (*models.StoredGrant, error)
	// MarkRevoked records that the relay no longer honors the grant.
	MarkRevoked(ctx context.Context, id string, at time.Time) error
}
