package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/logging"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

var memDBSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", memDBSeq.Add(1))
	s, err := Open(context.Background(), dsn, nopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newInitializedStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background(), "user", []byte("correct horse")))
	return s
}

func TestInitializeAndUnlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Initialized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Initialize(ctx, "user", []byte("correct horse")))
	assert.NotEmpty(t, s.DeviceID())
	assert.Equal(t, "user", s.Username())

	ok, err = s.Initialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// double init rejected
	err = s.Initialize(ctx, "user", []byte("correct horse"))
	assert.ErrorIs(t, err, common.ErrInvalidRequest)

	deviceID := s.DeviceID()
	s.lockKeys()

	// wrong secret
	err = s.Unlock(ctx, []byte("battery staple"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	// right secret restores identity and keys
	require.NoError(t, s.Unlock(ctx, []byte("correct horse")))
	assert.Equal(t, deviceID, s.DeviceID())

	_, err = s.Verifier()
	require.NoError(t, err)
}

func TestUnlock_NotInitialized(t *testing.T) {
	s := newTestStore(t)
	err := s.Unlock(context.Background(), []byte("anything"))
	assert.ErrorIs(t, err, common.ErrInvalidRequest)
}

func TestOperationsRequireUnlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Put(ctx, "r1", []byte("data"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = s.PendingDeltas(ctx)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	require.NoError(t, s.Put(ctx, "r1", []byte("hello")))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "r1", infos[0].ID)
	assert.Equal(t, uint64(1), infos[0].Vector.Counter(s.DeviceID()))
}

func TestPut_VectorMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	var last uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "r1", []byte{byte(i)}))
		infos, err := s.List(ctx)
		require.NoError(t, err)
		cur := infos[0].Vector.Counter(s.DeviceID())
		assert.Greater(t, cur, last, "own counter must strictly increase on every local mutation")
		last = cur
	}
}

func TestDelete_TombstonePermanent(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	require.NoError(t, s.Put(ctx, "r1", []byte("hello")))
	require.NoError(t, s.Delete(ctx, "r1"))

	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	// deleting again is a no-op
	require.NoError(t, s.Delete(ctx, "r1"))

	// writing over a tombstone is rejected
	err = s.Put(ctx, "r1", []byte("resurrect"))
	assert.ErrorIs(t, err, common.ErrInvalidRequest)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDelete_Unknown(t *testing.T) {
	s := newInitializedStore(t)
	err := s.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRotateDEK_OldRecordsStillReadable(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	require.NoError(t, s.Put(ctx, "old", []byte("sealed under first key")))

	newID, err := s.RotateDEK(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "new", []byte("sealed under second key")))

	got, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under first key"), got)

	got, err = s.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under second key"), got)

	deltas, err := s.PendingDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	for _, d := range deltas {
		if d.RecordID == "new" {
			assert.Equal(t, newID, d.KeyID)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	cur, err := s.Cursor(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, cur)

	require.NoError(t, s.SetCursor(ctx, "", 42))
	cur, err = s.Cursor(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 42, cur)

	// scopes keep independent cursors
	cur, err = s.Cursor(ctx, "scope-x")
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newInitializedStore(t)

	tok, err := s.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.SaveRefreshToken(ctx, "refresh-1"))
	tok, err = s.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", tok)
}
