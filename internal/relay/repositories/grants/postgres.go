// Package grants provides the PostgreSQL-backed grant repository.
package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/models"
)

// grantColumns is the scan order shared by every SELECT in this repo.
const grantColumns = `id, delegator_id, delegate_id, COALESCE(parent_grant_id::text, ''), scope, status, device_public_key, key_envelope, issued_at, expires_at, revoked_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// nullable maps "" to SQL NULL for optional uuid columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepository) Create(ctx context.Context, grant *models.Grant) (*models.Grant, error) {
	query := `
		INSERT INTO grants (delegator_id, delegate_id, parent_grant_id, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, issued_at
	`
	err := r.db.QueryRowContext(ctx, query,
		grant.DelegatorID, grant.DelegateID, nullable(grant.ParentGrantID), grant.Scope, grant.ExpiresAt).
		Scan(&grant.ID, &grant.Status, &grant.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return grant, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE id = $1
	`
	grant := &models.Grant{}
	if err := scanGrant(r.db.QueryRowContext(ctx, query, id), grant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return grant, nil
}

func (r *PostgresRepository) ListByDelegator(ctx context.Context, delegatorID string) ([]*models.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE delegator_id = $1
		ORDER BY issued_at
	`
	return r.list(ctx, query, delegatorID)
}

func (r *PostgresRepository) ListByDelegate(ctx context.Context, delegateID string) ([]*models.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM grants
		WHERE delegate_id = $1
		ORDER BY issued_at
	`
	return r.list(ctx, query, delegateID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, arg any) ([]*models.Grant, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to select grants: %w", err)
	}
	defer rows.Close()

	var result []*models.Grant
	for rows.Next() {
		grant := &models.Grant{}
		if err := scanGrant(rows, grant); err != nil {
			return nil, err
		}
		result = append(result, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Accept(ctx context.Context, id string, devicePublicKey []byte) error {
	query := `
		UPDATE grants
		SET device_public_key = $2, status = 'accepted'
		WHERE id = $1 AND status = 'pending'
	`
	return r.exec(ctx, query, id, devicePublicKey)
}

func (r *PostgresRepository) SetKeyEnvelope(ctx context.Context, id string, envelope []byte) error {
	query := `
		UPDATE grants
		SET key_envelope = $2, status = 'active'
		WHERE id = $1 AND status = 'accepted'
	`
	return r.exec(ctx, query, id, envelope)
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE grants
		SET status = 'revoked', revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`
	return r.exec(ctx, query, id)
}

// exec runs a state-transition update; zero affected rows means the grant is
// missing or not in the expected state.
func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// LiveGrantForScope is the pull-time authorization query. A sub-grant is only
// live while its parent is: the LEFT JOIN makes a revoked or expired parent
// chain deny the whole branch.
func (r *PostgresRepository) LiveGrantForScope(ctx context.Context, delegateID, scope string) (*models.Grant, error) {
	query := `
		SELECT g.id, g.delegator_id, g.delegate_id, COALESCE(g.parent_grant_id::text, ''), g.scope, g.status, g.device_public_key, g.key_envelope, g.issued_at, g.expires_at, g.revoked_at
		FROM grants g
		LEFT JOIN grants p ON p.id = g.parent_grant_id
		WHERE g.delegate_id = $1
		  AND g.scope = $2
		  AND g.status = 'active'
		  AND g.revoked_at IS NULL
		  AND (g.expires_at IS NULL OR g.expires_at > now())
		  AND (g.parent_grant_id IS NULL OR (
		        p.status = 'active'
		        AND p.revoked_at IS NULL
		        AND (p.expires_at IS NULL OR p.expires_at > now())))
		LIMIT 1
	`
	grant := &models.Grant{}
	if err := scanGrant(r.db.QueryRowContext(ctx, query, delegateID, scope), grant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return grant, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner, grant *models.Grant) error {
	return row.Scan(
		&grant.ID, &grant.DelegatorID, &grant.DelegateID, &grant.ParentGrantID,
		&grant.Scope, &grant.Status, &grant.DevicePublicKey, &grant.KeyEnvelope,
		&grant.IssuedAt, &grant.ExpiresAt, &grant.RevokedAt,
	)
}
