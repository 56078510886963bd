package grants

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/device/models"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE grants (
  id TEXT PRIMARY KEY,
  delegator_id TEXT NOT NULL,
  delegate_id TEXT NOT NULL,
  parent_grant_id TEXT NOT NULL DEFAULT '',
  scope TEXT NOT NULL,
  key_envelope BLOB,
  issued_at TIMESTAMP NOT NULL,
  expires_at TIMESTAMP,
  revoked_at TIMESTAMP
);
`)
	require.NoError(t, err)

	return db
}

func sampleGrant(id, scope string) *models.StoredGrant {
	return &models.StoredGrant{
		ID:          id,
		DelegatorID: "owner",
		DelegateID:  "advisor",
		Scope:       scope,
		KeyEnvelope: []byte(`{"ciphertext":"x"}`),
		IssuedAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndGet(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	g := sampleGrant("g1", "scope-a")
	require.NoError(t, r.Save(ctx, g))

	got, err := r.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "owner", got.DelegatorID)
	assert.Equal(t, []byte(`{"ciphertext":"x"}`), got.KeyEnvelope)
	assert.Nil(t, got.RevokedAt)

	_, err = r.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLiveByScope(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.Save(ctx, sampleGrant("g1", "scope-a")))

	got, err := r.LiveByScope(ctx, "scope-a", now)
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)

	_, err = r.LiveByScope(ctx, "scope-b", now)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLiveByScope_SkipsExpired(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	g := sampleGrant("g1", "scope-a")
	exp := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	g.ExpiresAt = &exp
	require.NoError(t, r.Save(ctx, g))

	_, err := r.LiveByScope(ctx, "scope-a", exp.Add(time.Hour))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	got, err := r.LiveByScope(ctx, "scope-a", exp.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)
}

func TestMarkRevoked(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.Save(ctx, sampleGrant("g1", "scope-a")))
	require.NoError(t, r.MarkRevoked(ctx, "g1", now))

	got, err := r.GetByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.False(t, got.Live(now))

	_, err = r.LiveByScope(ctx, "scope-a", now)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
