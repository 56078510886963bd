package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
	"github.com/syncwell/recordsync/internal/device/models"
	"github.com/syncwell/recordsync/internal/merge"
	"github.com/syncwell/recordsync/internal/vector"
)

// RecordInfo is the payload-free view of a record returned by listings.
type RecordInfo struct {
	ID        string
	UpdatedAt time.Time
	Vector    vector.Vector
}

func lockKey(scope, id string) string {
	return scope + "\x00" + id
}

// Put seals plaintext under the active data key and stores it as a new local
// version of the record: the device's own counter is incremented before the
// mutation is published. Writing to a tombstoned record is rejected.
func (s *Store) Put(ctx context.Context, id string, plaintext []byte) error {
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: missing record id", common.ErrInvalidRequest)
	}
	if id == KeyringRecordID {
		return fmt.Errorf("%w: record id %s is reserved", common.ErrInvalidRequest, id)
	}
	unlock := s.locks.lock(lockKey(OwnScope, id))
	defer unlock()

	existing, err := s.records.Get(ctx, OwnScope, id)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return err
	}
	if existing != nil && existing.Tombstoned() {
		return fmt.Errorf("%w: record %s is deleted", common.ErrInvalidRequest, id)
	}

	dek, err := s.keyring.Active(s.masterKey)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(dek)

	ciphertext, nonce, err := cryptox.Seal(dek, plaintext)
	if err != nil {
		return err
	}

	vec := vector.New()
	if existing != nil {
		vec = existing.Vector
	}

	rec := &models.Record{
		ID:           id,
		Scope:        OwnScope,
		Vector:       vec.Increment(s.deviceID),
		UpdatedAt:    s.now().UTC(),
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		KeyID:        s.keyring.ActiveID,
		OriginDevice: s.deviceID,
		Pending:      true,
	}
	return s.records.Upsert(ctx, rec)
}

// Get opens and returns the plaintext of a record in the device's own
// dataset. Missing and tombstoned records both return common.ErrorNotFound.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, OwnScope, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned() {
		return nil, fmt.Errorf("record %s: %w", id, common.ErrorNotFound)
	}
	dek, err := s.keyring.DEK(s.masterKey, rec.KeyID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)
	return cryptox.Open(dek, rec.Ciphertext, rec.Nonce)
}

// Delete sets the record's tombstone: permanent, payload cleared, own counter
// incremented so the deletion propagates. Deleting a tombstoned record is a
// no-op; deleting an unknown one is common.ErrorNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	unlock := s.locks.lock(lockKey(OwnScope, id))
	defer unlock()

	rec, err := s.records.Get(ctx, OwnScope, id)
	if err != nil {
		return err
	}
	if rec.Tombstoned() {
		return nil
	}

	at := s.now().UTC()
	rec.Vector = rec.Vector.Increment(s.deviceID)
	rec.UpdatedAt = at
	rec.DeletedAt = &at
	rec.Ciphertext = nil
	rec.Nonce = nil
	rec.KeyID = ""
	rec.BlobKey = ""
	rec.OriginDevice = s.deviceID
	rec.Pending = true
	return s.records.Upsert(ctx, rec)
}

// List returns payload-free metadata for every live record in the own dataset.
func (s *Store) List(ctx context.Context) ([]RecordInfo, error) {
	return s.listScope(ctx, OwnScope)
}

func (s *Store) listScope(ctx context.Context, scope string) ([]RecordInfo, error) {
	recs, err := s.records.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	infos := make([]RecordInfo, 0, len(recs))
	for _, r := range recs {
		infos = append(infos, RecordInfo{ID: r.ID, UpdatedAt: r.UpdatedAt, Vector: r.Vector})
	}
	return infos, nil
}

// ApplyRemote reconciles one incoming delta with local state. The payload is
// authenticated with the appropriate key before anything is applied; a delta
// that fails its tag is dropped, logged and reported as
// common.ErrPayloadTampered — never silently accepted, never retried.
// Blob-offloaded deltas must have their ciphertext resolved by the caller
// before application.
func (s *Store) ApplyRemote(ctx context.Context, scope string, d api.Delta) (merge.Decision, error) {
	if err := s.requireUnlocked(); err != nil {
		return merge.Unchanged, err
	}
	if err := d.Validate(); err != nil {
		return merge.Unchanged, err
	}
	if d.BlobKey != "" && len(d.Ciphertext) == 0 {
		return merge.Unchanged, fmt.Errorf("%w: offloaded payload not resolved", common.ErrInvalidDelta)
	}
	if d.RecordID == KeyringRecordID {
		return s.applyKeyringDelta(ctx, scope, d)
	}

	if !d.Tombstone {
		dek, err := s.dekForScope(ctx, scope, d.KeyID)
		if err != nil {
			return merge.Unchanged, err
		}
		_, err = cryptox.Open(dek, d.Ciphertext, d.Nonce)
		common.WipeByteArray(dek)
		if err != nil {
			s.logger.Error(ctx, "incoming delta failed authentication",
				"record_id", d.RecordID, "scope", scope, "vector", d.Vector.String(), "origin", d.OriginDevice)
			return merge.Unchanged, err
		}
	}

	unlock := s.locks.lock(lockKey(scope, d.RecordID))
	defer unlock()

	local, err := s.records.Get(ctx, scope, d.RecordID)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return merge.Unchanged, err
	}

	localState := api.RecordState{Vector: vector.New()}
	if local != nil {
		localState = local.State()
	}

	outcome := merge.Resolve(d.RecordID, localState, d.State())

	switch outcome.Decision {
	case merge.Unchanged, merge.KeptLocal:
		return outcome.Decision, nil
	}

	rec := local
	if rec == nil {
		rec = &models.Record{ID: d.RecordID, Scope: scope}
	}
	rec.ApplyState(outcome.State)
	// A concurrent resolution produces a merged vector neither side has
	// published; mark it pending so peers converge through the relay too.
	// Shared scopes are read-only, nothing is ever pending there.
	rec.Pending = outcome.Decision == merge.ResolvedConcurrent && scope == OwnScope

	if err := s.records.Upsert(ctx, rec); err != nil {
		return outcome.Decision, err
	}

	if outcome.Conflict != nil {
		if err := s.logConflict(ctx, scope, outcome.Conflict); err != nil {
			return outcome.Decision, err
		}
	}
	return outcome.Decision, nil
}

func (s *Store) logConflict(ctx context.Context, scope string, c *merge.Conflict) error {
	localVec, err := vector.Encode(c.LocalVector)
	if err != nil {
		return err
	}
	remoteVec, err := vector.Encode(c.RemoteVector)
	if err != nil {
		return err
	}
	row := &models.Conflict{
		Scope:        scope,
		RecordID:     c.RecordID,
		LocalVector:  localVec,
		RemoteVector: remoteVec,
		Rule:         c.Rule,
		Winner:       c.Winner,
		RemoteWon:    c.RemoteWon,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.conflicts.Append(ctx, row); err != nil {
		return err
	}
	s.logger.Warn(ctx, "concurrent edit resolved",
		"record_id", c.RecordID, "scope", scope,
		"local_vector", c.LocalVector.String(), "remote_vector", c.RemoteVector.String(),
		"rule", c.Rule, "winner", c.Winner)
	s.hooks.fire(*c)
	return nil
}

// Conflicts returns up to limit resolutions from the conflict log, newest first.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]*models.Conflict, error) {
	return s.conflicts.ListRecent(ctx, limit)
}

// PendingDeltas returns every local change awaiting relay acknowledgement.
func (s *Store) PendingDeltas(ctx context.Context) ([]api.Delta, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	recs, err := s.records.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	deltas := make([]api.Delta, 0, len(recs)+1)
	// The keyring delta travels first so a peer learns a new key epoch
	// before any payload sealed under it.
	kd, err := s.keyringDelta(ctx)
	if err != nil {
		return nil, err
	}
	if kd != nil {
		deltas = append(deltas, *kd)
	}
	for _, r := range recs {
		deltas = append(deltas, r.Delta())
	}
	return deltas, nil
}

// MarkSynced clears the pending flag for the acknowledged delta, unless a
// newer local edit has moved the record's vector since the push.
func (s *Store) MarkSynced(ctx context.Context, d api.Delta) error {
	if d.RecordID == KeyringRecordID {
		return s.markKeyringSynced(ctx, d.Vector)
	}
	encoded, err := vector.Encode(d.Vector)
	if err != nil {
		return err
	}
	return s.records.MarkSynced(ctx, d.Scope, d.RecordID, encoded)
}

// Cursor returns the last relay sequence number applied for a scope.
func (s *Store) Cursor(ctx context.Context, scope string) (int64, error) {
	raw, err := s.metadata.Get(ctx, cursorKeyPrefix+scope)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cursor for scope %q: %w", scope, err)
	}
	return cursor, nil
}

// SetCursor stores the last applied relay sequence number for a scope.
func (s *Store) SetCursor(ctx context.Context, scope string, seq int64) error {
	return s.metadata.Set(ctx, cursorKeyPrefix+scope, []byte(strconv.FormatInt(seq, 10)))
}
