package conflicts

import (
	"context"
	"fmt"

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

const conflictColumns = `id, scope, record_id, local_vector, remote_vector, rule, winner, remote_won, occurred_at`

func (r *SQLiteRepository) Append(ctx context.Context, c *models.Conflict) error {
	query := `INSERT INTO conflicts (scope, record_id, local_vector, remote_vector, rule, winner, remote_won, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		c.Scope, c.RecordID, c.LocalVector, c.RemoteVector, c.Rule, c.Winner, c.RemoteWon, c.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append conflict: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts ORDER BY id DESC LIMIT ?`
	return r.queryConflicts(ctx, query, limit)
}

func (r *SQLiteRepository) ListByRecord(ctx context.Context, scope, recordID string) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE scope = ? AND record_id = ? ORDER BY id DESC`
	return r.queryConflicts(ctx, query, scope, recordID)
}

func (r *SQLiteRepository) queryConflicts(ctx context.Context, query string, args ...any) ([]*models.Conflict, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.Conflict
	for rows.Next() {
		c := &models.Conflict{}
		if err := rows.Scan(&c.ID, &c.Scope, &c.RecordID, &c.LocalVector, &c.RemoteVector,
			&c.Rule, &c.Winner, &c.RemoteWon, &c.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return result, nil
}
