// Package deltas declares the repository contract for the relay's
// append-mostly delta log.
package deltas

import (
	"context"

	"github.com/syncwell/recordsync/internal/relay/models"
)

type Repository interface {
	// Append stores one delta and returns its relay-assigned seq. A delta
	// with an already-stored (scope, record_id, version_vector) key is not
	// inserted again; Append reports duplicate=true and the existing seq.
	Append(ctx context.Context, delta *models.Delta) (seq int64, duplicate bool, err error)

	// SelectSince returns up to limit deltas in a scope with seq > since,
	// ordered by seq ascending.
	SelectSince(ctx context.Context, scope string, since int64, limit int) ([]*models.Delta, error)

	// MaxSeq returns the highest seq stored for a scope (0 when empty).
	MaxSeq(ctx context.Context, scope string) (int64, error)
}
