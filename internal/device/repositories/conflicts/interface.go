// Package conflicts persists the device conflict log: every concurrent merge
// the engine resolved, queryable by the consuming application so a
// superseded edit can be surfaced or recovered.
package conflicts

import (
	"context"

	"github.com/syncwell/recordsync/internal/device/models"
)

type Repository interface {
	// Append adds one resolution to the log.
	Append(ctx context.Context, c *models.Conflict) error
	// ListRecent returns up to limit resolutions, newest first.
	ListRecent(ctx context.Context, limit int) ([]*models.Conflict, error)
	// ListByRecord returns every resolution logged for one record, newest first.
	ListByRecord(ctx context.Context, scope, recordID string) ([]*models.Conflict, error)
}
