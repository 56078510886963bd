package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE metadata (key TEXT PRIMARY KEY, value BLOB NOT NULL);`)
	require.NoError(t, err)

	return db
}

func TestSetGet(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "device_id", []byte("dev-1")))

	got, err := r.Get(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, []byte("dev-1"), got)

	// overwrite
	require.NoError(t, r.Set(ctx, "device_id", []byte("dev-2")))
	got, err = r.Get(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, []byte("dev-2"), got)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)

	got, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "cursor:scope-a", []byte("42")))
	require.NoError(t, r.Delete(ctx, "cursor:scope-a"))

	got, err := r.Get(ctx, "cursor:scope-a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestList(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a", []byte("1")))
	require.NoError(t, r.Set(ctx, "b", []byte("2")))

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, all)
}
