package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/device/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const grantColumns = `id, delegator_id, delegate_id, parent_grant_id, scope, key_envelope, issued_at, expires_at, revoked_at`

func (r *SQLiteRepository) Save(ctx context.Context, g *models.StoredGrant) error {
	query := `INSERT INTO grants (` + grantColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key_envelope = excluded.key_envelope,
			expires_at = excluded.expires_at,
			revoked_at = excluded.revoked_at
	`
	_, err := r.db.ExecContext(ctx, query,
		g.ID, g.DelegatorID, g.DelegateID, g.ParentGrantID, g.Scope,
		g.KeyEnvelope, g.IssuedAt, g.ExpiresAt, g.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.StoredGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE id = ?`
	g, err := scanGrant(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("grant %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.StoredGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants ORDER BY issued_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var result []*models.StoredGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant row: %w", err)
		}
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grant rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) LiveByScope(ctx context.Context, scope string, now time.Time) (*models.StoredGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants
		WHERE scope = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY issued_at DESC LIMIT 1`
	g, err := scanGrant(r.db.QueryRowContext(ctx, query, scope, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("grant for scope %s: %w", scope, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant for scope: %w", err)
	}
	return g, nil
}

func (r *SQLiteRepository) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE grants SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark grant revoked: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*models.StoredGrant, error) {
	g := &models.StoredGrant{}
	var expiresAt, revokedAt sql.NullTime
	err := row.Scan(&g.ID, &g.DelegatorID, &g.DelegateID, &g.ParentGrantID, &g.Scope,
		&g.KeyEnvelope, &g.IssuedAt, &expiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		at := expiresAt.Time
		g.ExpiresAt = &at
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		g.RevokedAt = &at
	}
	return g, nil
}
