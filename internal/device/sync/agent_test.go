package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/merge"
	"github.com/syncwell/recordsync/internal/vector"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

func testOptions() Options {
	return Options{
		Interval:     time.Hour, // ticks never fire in tests
		PullLimit:    2,
		RetryBase:    time.Millisecond,
		MaxRetryWait: 5 * time.Millisecond,
	}
}

type appliedDelta struct {
	scope string
	delta api.Delta
}

type fakeStore struct {
	deviceID string
	pending  []api.Delta
	synced   []api.Delta
	applied  []appliedDelta
	applyErr map[string]error // record id -> error
	scopes   []string
	revoked  []string
	cursors  map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{deviceID: "dev-local", cursors: map[string]int64{}}
}

func (f *fakeStore) DeviceID() string { return f.deviceID }
func (f *fakeStore) PendingDeltas(context.Context) ([]api.Delta, error) {
	return append([]api.Delta(nil), f.pending...), nil
}
func (f *fakeStore) MarkSynced(_ context.Context, d api.Delta) error {
	f.synced = append(f.synced, d)
	return nil
}
func (f *fakeStore) ApplyRemote(_ context.Context, scope string, d api.Delta) (merge.Decision, error) {
	if err := f.applyErr[d.RecordID]; err != nil {
		return merge.Unchanged, err
	}
	f.applied = append(f.applied, appliedDelta{scope: scope, delta: d})
	return merge.AppliedRemote, nil
}
func (f *fakeStore) SharedScopes(context.Context) ([]string, error) { return f.scopes, nil }
func (f *fakeStore) MarkScopeRevoked(_ context.Context, scope string) error {
	f.revoked = append(f.revoked, scope)
	return nil
}
func (f *fakeStore) Cursor(_ context.Context, scope string) (int64, error) {
	return f.cursors[scope], nil
}
func (f *fakeStore) SetCursor(_ context.Context, scope string, seq int64) error {
	f.cursors[scope] = seq
	return nil
}

type fakeRelay struct {
	pushed       [][]api.Delta
	pushFailures int
	pushResult   func(d api.Delta) api.PushResult

	deltas  map[string][]api.Delta // scope -> ordered deltas
	pullErr map[string]error

	blobs      map[string][]byte
	blobSeq    int
	subscribed func(scope string, since int64) (Stream, error)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		deltas: map[string][]api.Delta{},
		blobs:  map[string][]byte{},
	}
}

func (f *fakeRelay) Push(_ context.Context, deltas []api.Delta) (*api.PushResponse, error) {
	if f.pushFailures > 0 {
		f.pushFailures--
		return nil, fmt.Errorf("connection refused: %w", common.ErrTransportUnavailable)
	}
	f.pushed = append(f.pushed, deltas)
	resp := &api.PushResponse{}
	for _, d := range deltas {
		res := api.PushResult{RecordID: d.RecordID, Accepted: true}
		if f.pushResult != nil {
			res = f.pushResult(d)
		}
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (f *fakeRelay) Pull(_ context.Context, req *api.PullRequest) (*api.PullResponse, error) {
	if err := f.pullErr[req.Scope]; err != nil {
		return nil, err
	}
	resp := &api.PullResponse{NextCursor: req.Since}
	for _, d := range f.deltas[req.Scope] {
		if d.Seq <= req.Since {
			continue
		}
		resp.Deltas = append(resp.Deltas, d)
		resp.NextCursor = d.Seq
		if len(resp.Deltas) == req.Limit {
			break
		}
	}
	return resp, nil
}

func (f *fakeRelay) BlobUploadURL(context.Context) (string, string, error) {
	f.blobSeq++
	key := fmt.Sprintf("blob-%d", f.blobSeq)
	return key, "put://" + key, nil
}

func (f *fakeRelay) BlobDownloadURL(_ context.Context, blobKey string) (string, error) {
	if _, ok := f.blobs[blobKey]; !ok {
		return "", common.ErrorNotFound
	}
	return "get://" + blobKey, nil
}

func (f *fakeRelay) UploadBlob(_ context.Context, url string, data []byte) error {
	f.blobs[url[len("put://"):]] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRelay) DownloadBlob(_ context.Context, url string) ([]byte, error) {
	return f.blobs[url[len("get://"):]], nil
}

func (f *fakeRelay) Subscribe(_ context.Context, scope string, since int64) (Stream, error) {
	if f.subscribed == nil {
		return nil, common.ErrTransportUnavailable
	}
	return f.subscribed(scope, since)
}

func pendingDelta(id string, payload []byte) api.Delta {
	return api.Delta{
		RecordID:     id,
		Vector:       vector.Vector{"dev-local": 1},
		Ciphertext:   payload,
		Nonce:        []byte("nonce"),
		KeyID:        "k1",
		UpdatedAt:    time.Now().UTC(),
		OriginDevice: "dev-local",
	}
}

func remoteDelta(id string, seq int64) api.Delta {
	return api.Delta{
		RecordID:     id,
		Vector:       vector.Vector{"dev-remote": 1},
		Ciphertext:   []byte("sealed"),
		Nonce:        []byte("nonce"),
		KeyID:        "k1",
		UpdatedAt:    time.Now().UTC(),
		OriginDevice: "dev-remote",
		Seq:          seq,
	}
}

func TestSyncOnce_PushMarksSynced(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.pending = []api.Delta{pendingDelta("r1", []byte("a")), pendingDelta("r2", []byte("b"))}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, relay.pushed, 1)
	assert.Len(t, relay.pushed[0], 2)
	require.Len(t, store.synced, 2)
	assert.Equal(t, "r1", store.synced[0].RecordID)
}

func TestSyncOnce_RejectedDeltaNotMarkedSynced(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.pending = []api.Delta{pendingDelta("bad", []byte("a"))}
	relay.pushResult = func(d api.Delta) api.PushResult {
		return api.PushResult{RecordID: d.RecordID, Error: "missing payload"}
	}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))
	assert.Empty(t, store.synced)
}

func TestSyncOnce_RetriesTransportFailure(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.pending = []api.Delta{pendingDelta("r1", []byte("a"))}
	relay.pushFailures = 2

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))
	require.Len(t, relay.pushed, 1)
	assert.Len(t, store.synced, 1)
}

func TestSyncOnce_GivesUpAfterMaxRetries(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.pending = []api.Delta{pendingDelta("r1", []byte("a"))}
	relay.pushFailures = 100

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	err := a.SyncOnce(context.Background())
	assert.ErrorIs(t, err, common.ErrTransportUnavailable)
	assert.Empty(t, store.synced)
}

func TestSyncOnce_OffloadsLargePayload(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	big := bytes.Repeat([]byte("x"), api.MaxInlineCiphertext+1)
	store.pending = []api.Delta{pendingDelta("big", big)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, relay.pushed, 1)
	pushed := relay.pushed[0][0]
	assert.Empty(t, pushed.Ciphertext, "oversized payload must not travel inline")
	require.NotEmpty(t, pushed.BlobKey)
	assert.Equal(t, big, relay.blobs[pushed.BlobKey])
}

func TestSyncOnce_PullAppliesAndAdvancesCursor(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	relay.deltas[""] = []api.Delta{
		remoteDelta("r1", 1), remoteDelta("r2", 2), remoteDelta("r3", 3),
	}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 3, "pagination must drain everything past the cursor")
	assert.EqualValues(t, 3, store.cursors[""])

	// a second round pulls nothing new
	store.applied = nil
	require.NoError(t, a.SyncOnce(context.Background()))
	assert.Empty(t, store.applied)
}

func TestSyncOnce_SkipsOwnEchoes(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	echo := remoteDelta("mine", 1)
	echo.OriginDevice = store.deviceID
	relay.deltas[""] = []api.Delta{echo, remoteDelta("theirs", 2)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 1)
	assert.Equal(t, "theirs", store.applied[0].delta.RecordID)
	assert.EqualValues(t, 2, store.cursors[""])
}

func TestSyncOnce_PullsSharedScopes(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.scopes = []string{"acct-friend"}
	relay.deltas["acct-friend"] = []api.Delta{remoteDelta("shared-r1", 1)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 1)
	assert.Equal(t, "acct-friend", store.applied[0].scope)
	assert.EqualValues(t, 1, store.cursors["acct-friend"])
}

func TestSyncOnce_RevokedScopeIsMarkedAndSkipped(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.scopes = []string{"gone", "still-ok"}
	relay.pullErr = map[string]error{"gone": common.ErrAuthorizationDenied}
	relay.deltas["still-ok"] = []api.Delta{remoteDelta("r1", 1)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	assert.Equal(t, []string{"gone"}, store.revoked)
	require.Len(t, store.applied, 1, "remaining scopes still sync")
}

func TestSyncOnce_ResolvesBlobBeforeApply(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	relay.blobs["blob-7"] = []byte("big sealed payload")
	d := remoteDelta("r1", 1)
	d.Ciphertext = nil
	d.BlobKey = "blob-7"
	relay.deltas[""] = []api.Delta{d}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 1)
	assert.Equal(t, []byte("big sealed payload"), store.applied[0].delta.Ciphertext)
	assert.Equal(t, "blob-7", store.applied[0].delta.BlobKey)
}

func TestSyncOnce_TamperedDeltaSkippedCursorAdvances(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.applyErr = map[string]error{"poisoned": common.ErrPayloadTampered}
	relay.deltas[""] = []api.Delta{remoteDelta("poisoned", 1), remoteDelta("fine", 2)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 1)
	assert.Equal(t, "fine", store.applied[0].delta.RecordID)
	assert.EqualValues(t, 2, store.cursors[""], "stream must not wedge on a poisoned delta")
}

func TestSyncOnce_UnknownKeyEpochSkippedCursorAdvances(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	store.applyErr = map[string]error{
		"early": fmt.Errorf("dek abc: %w", common.ErrorNotFound),
	}
	relay.deltas[""] = []api.Delta{remoteDelta("early", 1), remoteDelta("fine", 2)}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.SyncOnce(context.Background()))

	require.Len(t, store.applied, 1)
	assert.Equal(t, "fine", store.applied[0].delta.RecordID)
	assert.EqualValues(t, 2, store.cursors[""], "a delta sealed under an epoch not yet learned must not wedge the scope")
}

type scriptedStream struct {
	deltas []api.Delta
	pos    int
	closed bool
}

func (s *scriptedStream) Next() (api.Delta, error) {
	if s.pos >= len(s.deltas) {
		return api.Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func TestFollowOnce_AppliesStreamedDeltas(t *testing.T) {
	store := newFakeStore()
	relay := newFakeRelay()
	stream := &scriptedStream{deltas: []api.Delta{remoteDelta("r1", 4), remoteDelta("r2", 5)}}
	relay.subscribed = func(scope string, since int64) (Stream, error) {
		assert.Equal(t, "", scope)
		assert.EqualValues(t, 0, since)
		return stream, nil
	}

	a := NewAgent(store, relay, nopLogger{}, testOptions())
	require.NoError(t, a.followOnce(context.Background()))

	require.Len(t, store.applied, 2)
	assert.EqualValues(t, 5, store.cursors[""])
	assert.True(t, stream.closed)
}
