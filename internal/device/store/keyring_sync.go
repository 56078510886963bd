package store

import (
	"context"
	"fmt"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/device/repositories/metadata"
	"github.com/syncwell/recordsync/internal/merge"
	"github.com/syncwell/recordsync/internal/vector"
)

// Keyring changes travel between a user's devices as a delta under a reserved
// record id: the marshaled ring (DEKs already wrapped under the master key)
// sealed once more under the master key. Without it a peer could never open
// payloads sealed after a rotation on another device. Delegates cannot read
// the delta and do not need to — they receive new epochs through grant
// reissue.
const (
	// KeyringRecordID is the reserved record id of keyring deltas. Put
	// rejects it so application records can never collide with it.
	KeyringRecordID = ".keyring"

	// masterKeyID marks ciphertext sealed directly under the master key
	// instead of a DEK from the ring.
	masterKeyID = "master"

	metaKeyringVector  = "keyring_vector"
	metaKeyringPending = "keyring_pending"
)

// keyringVector returns the version vector tracking keyring propagation.
// A device that has never seen a rotation holds the zero vector.
func (s *Store) keyringVector(ctx context.Context) (vector.Vector, error) {
	raw, err := s.metadata.Get(ctx, metaKeyringVector)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return vector.New(), nil
	}
	return vector.Decode(raw)
}

// saveKeyringState persists the ring, its vector and the pending flag in one
// transaction so a crash cannot leave them disagreeing.
func (s *Store) saveKeyringState(ctx context.Context, vec vector.Vector, pending bool) error {
	ringBytes, err := s.keyring.Marshal()
	if err != nil {
		return err
	}
	encoded, err := vector.Encode(vec)
	if err != nil {
		return err
	}
	flag := []byte(nil)
	if pending {
		flag = []byte("1")
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := metadata.NewSQLiteRepository(tx)
		if err := meta.Set(ctx, metaKeyring, ringBytes); err != nil {
			return err
		}
		if err := meta.Set(ctx, metaKeyringVector, encoded); err != nil {
			return err
		}
		return meta.Set(ctx, metaKeyringPending, flag)
	})
}

// keyringDelta builds the outbound keyring delta, or nil when no rotation is
// awaiting acknowledgement.
func (s *Store) keyringDelta(ctx context.Context) (*api.Delta, error) {
	flag, err := s.metadata.Get(ctx, metaKeyringPending)
	if err != nil {
		return nil, err
	}
	if len(flag) == 0 {
		return nil, nil
	}
	vec, err := s.keyringVector(ctx)
	if err != nil {
		return nil, err
	}
	ringBytes, err := s.keyring.Marshal()
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := cryptox.Seal(s.masterKey, ringBytes)
	if err != nil {
		return nil, err
	}
	return &api.Delta{
		RecordID:     KeyringRecordID,
		Vector:       vec,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		KeyID:        masterKeyID,
		UpdatedAt:    s.now().UTC(),
		OriginDevice: s.deviceID,
	}, nil
}

// markKeyringSynced clears the pending flag unless another rotation has moved
// the vector since the push.
func (s *Store) markKeyringSynced(ctx context.Context, acked vector.Vector) error {
	current, err := s.keyringVector(ctx)
	if err != nil {
		return err
	}
	if vector.Compare(current, acked) != vector.Equal {
		return nil
	}
	return s.metadata.Set(ctx, metaKeyringPending, nil)
}

// applyKeyringDelta merges a peer's keyring into the local one: wrapped DEKs
// are unioned (an epoch, once seen, is never dropped) and the vector merged.
// A concurrent rotation leaves the union pending so it propagates back out.
func (s *Store) applyKeyringDelta(ctx context.Context, scope string, d api.Delta) (merge.Decision, error) {
	if scope != OwnScope {
		// Sealed under another account's master key; a delegate learns new
		// epochs from a reissued grant instead.
		return merge.Unchanged, nil
	}

	unlock := s.locks.lock(lockKey(scope, KeyringRecordID))
	defer unlock()

	plaintext, err := cryptox.Open(s.masterKey, d.Ciphertext, d.Nonce)
	if err != nil {
		s.logger.Error(ctx, "incoming keyring delta failed authentication",
			"vector", d.Vector.String(), "origin", d.OriginDevice)
		return merge.Unchanged, err
	}
	remote, err := cryptox.UnmarshalKeyring(plaintext)
	if err != nil {
		return merge.Unchanged, fmt.Errorf("%w: %v", common.ErrInvalidDelta, err)
	}

	local, err := s.keyringVector(ctx)
	if err != nil {
		return merge.Unchanged, err
	}

	ordering := vector.Compare(local, d.Vector)
	switch ordering {
	case vector.Equal:
		return merge.Unchanged, nil
	case vector.Dominates:
		return merge.KeptLocal, nil
	}

	added := s.keyring.Adopt(remote)

	decision := merge.AppliedRemote
	merged := d.Vector.Clone()
	pending := false
	if ordering == vector.Concurrent {
		decision = merge.ResolvedConcurrent
		merged = vector.Merge(local, d.Vector)
		pending = true
		// Both sides rotated; pick the active key deterministically so every
		// device seals new payloads under the same epoch.
		if remote.ActiveID > s.keyring.ActiveID {
			s.keyring.ActiveID = remote.ActiveID
		}
	} else {
		// The remote ring is strictly newer; follow its rotation.
		s.keyring.ActiveID = remote.ActiveID
	}

	if err := s.saveKeyringState(ctx, merged, pending); err != nil {
		return decision, err
	}
	s.logger.Info(ctx, "keyring updated from peer",
		"adopted_epochs", len(added), "active_id", s.keyring.ActiveID, "origin", d.OriginDevice)
	return decision, nil
}
