// Package deltas provides the PostgreSQL-backed delta log. Rows are only
// ever inserted; a record's newer versions supersede older rows by seq,
// nothing is updated in place.
package deltas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts the delta keyed by (scope, record_id, version_vector).
// ON CONFLICT DO NOTHING makes replayed pushes idempotent; the seq of the
// previously stored row is returned so the caller can still advance its
// cursor.
func (r *PostgresRepository) Append(ctx context.Context, delta *models.Delta) (int64, bool, error) {
	query := `
		INSERT INTO deltas (scope, record_id, version_vector, ciphertext, nonce, key_id, blob_key, tombstone, updated_at, origin_device)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scope, record_id, version_vector) DO NOTHING
		RETURNING seq
	`
	var seq int64
	err := r.db.QueryRowContext(ctx, query,
		delta.Scope, delta.RecordID, delta.VersionVector, delta.Ciphertext, delta.Nonce,
		delta.KeyID, delta.BlobKey, delta.Tombstone, delta.UpdatedAt, delta.OriginDevice).Scan(&seq)

	if err == nil {
		return seq, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("db error: %w", err)
	}

	// Conflict path: the same version was already stored.
	existing := `
		SELECT seq FROM deltas
		WHERE scope = $1 AND record_id = $2 AND version_vector = $3
	`
	if err := r.db.QueryRowContext(ctx, existing, delta.Scope, delta.RecordID, delta.VersionVector).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("db error: %w", err)
	}
	return seq, true, nil
}

// SelectSince returns deltas in a scope past the given cursor, oldest first.
func (r *PostgresRepository) SelectSince(ctx context.Context, scope string, since int64, limit int) ([]*models.Delta, error) {
	query := `
		SELECT seq, scope, record_id, version_vector, ciphertext, nonce, key_id, blob_key, tombstone, updated_at, origin_device
		FROM deltas
		WHERE scope = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, scope, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select deltas: %w", err)
	}
	defer rows.Close()

	var result []*models.Delta
	for rows.Next() {
		var item models.Delta
		if err := rows.Scan(
			&item.Seq, &item.Scope, &item.RecordID, &item.VersionVector, &item.Ciphertext,
			&item.Nonce, &item.KeyID, &item.BlobKey, &item.Tombstone, &item.UpdatedAt, &item.OriginDevice,
		); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MaxSeq returns the newest cursor position in a scope.
func (r *PostgresRepository) MaxSeq(ctx context.Context, scope string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(seq), 0) FROM deltas
		WHERE scope = $1
	`
	var seq int64
	if err := r.db.QueryRowContext(ctx, query, scope).Scan(&seq); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return seq, nil
}
