package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/device/models"
	"github.com/syncwell/recordsync/internal/vector"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const recordColumns = `id, scope, version_vector, updated_at, deleted_at, ciphertext, nonce, key_id, blob_key, origin_device, pending`

func (r *SQLiteRepository) Upsert(ctx context.Context, rec *models.Record) error {
	encoded, err := vector.Encode(rec.Vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	query := `INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			version_vector = excluded.version_vector,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_id = excluded.key_id,
			blob_key = excluded.blob_key,
			origin_device = excluded.origin_device,
			pending = excluded.pending
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.Scope, encoded, rec.UpdatedAt, rec.DeletedAt,
		rec.Ciphertext, rec.Nonce, rec.KeyID, rec.BlobKey, rec.OriginDevice, rec.Pending)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, scope, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE scope = ? AND id = ?`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, scope, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context, scope string) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE scope = ? AND deleted_at IS NULL ORDER BY id`
	return r.queryRecords(ctx, query, scope)
}

func (r *SQLiteRepository) ListAll(ctx context.Context, scope string) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE scope = ? ORDER BY id`
	return r.queryRecords(ctx, query, scope)
}

func (r *SQLiteRepository) All(ctx context.Context) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records ORDER BY scope, id`
	return r.queryRecords(ctx, query)
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE pending = 1 ORDER BY updated_at`
	return r.queryRecords(ctx, query)
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, scope, id string, versionVector []byte) error {
	query := `UPDATE records SET pending = 0 WHERE scope = ? AND id = ? AND version_vector = ?`
	if _, err := r.db.ExecContext(ctx, query, scope, id, versionVector); err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	rec := &models.Record{}
	var encoded []byte
	var deletedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Scope, &encoded, &rec.UpdatedAt, &deletedAt,
		&rec.Ciphertext, &rec.Nonce, &rec.KeyID, &rec.BlobKey, &rec.OriginDevice, &rec.Pending)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		rec.DeletedAt = &at
	}
	vec, err := vector.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("record %s has unreadable vector: %w", rec.ID, err)
	}
	rec.Vector = vec
	return rec, nil
}
