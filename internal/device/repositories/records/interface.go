// Package records persists synchronized records in the device's local
// sqlite store. Rows hold sealed payloads only.
package records

import (
	"context"

	"github.com/syncwell/recordsync/internal/device/models"
)

type Repository interface {
	// Upsert inserts or replaces the record keyed by (scope, id).
	Upsert(ctx context.Context, r *models.Record) error
	// Get returns the record or common.ErrorNotFound.
	Get(ctx context.Context, scope, id string) (*models.Record, error)
	// List returns all non-tombstoned records in a scope.
	List(ctx context.Context, scope string) ([]*models.Record, error)
	// ListAll returns every record in a scope, tombstones included.
	ListAll(ctx context.Context, scope string) ([]*models.Record, error)
	// All returns every record in every scope, for snapshot export.
	All(ctx context.Context) ([]*models.Record, error)
	// ListPending returns records awaiting relay acknowledgement, any scope.
	ListPending(ctx context.Context) ([]*models.Record, error)
	// MarkSynced clears the pending flag, but only while the stored vector
	// still matches the one that was pushed, so a local edit racing the
	// acknowledgement stays pending.
	MarkSynced(ctx context.Context, scope, id string, versionVector []byte) error
}
