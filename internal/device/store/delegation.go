package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
	"github.com/syncwell/recordsync/internal/delegation"
	"github.com/syncwell/recordsync/internal/device/models"
)

// TransportPublicKey returns the device's X25519 public key, registered with
// grants so key material can be sealed to this device.
func (s *Store) TransportPublicKey() ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.transport.Public, nil
}

// IssueGrantKey produces the sealed key material for a root grant: the
// client-scoped read key derived one-way from the active DEK, wrapped to the
// delegate's device, plus a reader keyring exposing every key epoch. Only the
// data owner can produce this; the DEK itself never leaves the store.
func (s *Store) IssueGrantKey(ctx context.Context, scope, delegateID string, recipientPub []byte) (*api.GrantKey, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	dek, err := s.keyring.Active(s.masterKey)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	readKey, err := delegation.DeriveDelegateKey(dek, scope, delegateID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(readKey)

	deks := make(map[string][]byte, len(s.keyring.IDs()))
	defer func() {
		for _, k := range deks {
			common.WipeByteArray(k)
		}
	}()
	for _, id := range s.keyring.IDs() {
		k, err := s.keyring.DEK(s.masterKey, id)
		if err != nil {
			return nil, err
		}
		deks[id] = k
	}

	ring, err := delegation.BuildReaderKeyring(readKey, deks)
	if err != nil {
		return nil, err
	}
	env, err := delegation.WrapForTransport(readKey, recipientPub)
	if err != nil {
		return nil, err
	}
	return &api.GrantKey{
		EphemeralPublic: env.EphemeralPublic,
		Nonce:           env.Nonce,
		Ciphertext:      env.Ciphertext,
		ReaderKeyring:   ring,
	}, nil
}

// IssueSubGrantKey produces key material for a sub-grant, one level below a
// grant this device holds. The sub key derives from the client-scoped key,
// never the DEK, so the hierarchy stays strictly two hops.
func (s *Store) IssueSubGrantKey(ctx context.Context, parentGrantID, subDelegateID string, recipientPub []byte) (*api.GrantKey, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	parent, err := s.grants.GetByID(ctx, parentGrantID)
	if err != nil {
		return nil, err
	}
	if !parent.Live(s.now()) {
		return nil, fmt.Errorf("grant %s: %w", parentGrantID, common.ErrAuthorizationDenied)
	}
	// A sub-grant cannot be delegated further: the hierarchy is two levels deep.
	if parent.ParentGrantID != "" {
		return nil, fmt.Errorf("grant %s is itself a sub-grant: %w", parentGrantID, common.ErrAuthorizationDenied)
	}
	readKey, parentRing, err := s.openGrantKey(parent)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(readKey)

	subKey, err := delegation.DeriveSubDelegateKey(delegation.ClientScopedKey(readKey), subDelegateID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(subKey)

	// Re-wrap every epoch the parent grant exposes under the sub key.
	deks := make(map[string][]byte, len(parentRing))
	defer func() {
		for _, k := range deks {
			common.WipeByteArray(k)
		}
	}()
	for id := range parentRing {
		k, err := delegation.ReaderDEK(readKey, parentRing, id)
		if err != nil {
			return nil, err
		}
		deks[id] = k
	}
	ring, err := delegation.BuildReaderKeyring(subKey, deks)
	if err != nil {
		return nil, err
	}
	env, err := delegation.WrapForTransport(subKey, recipientPub)
	if err != nil {
		return nil, err
	}
	return &api.GrantKey{
		EphemeralPublic: env.EphemeralPublic,
		Nonce:           env.Nonce,
		Ciphertext:      env.Ciphertext,
		ReaderKeyring:   ring,
	}, nil
}

// SaveGrant stores a grant this device received, with its sealed key
// envelope, so the granted scope can be synced and read locally.
func (s *Store) SaveGrant(ctx context.Context, g api.Grant, key *api.GrantKey) error {
	envelope, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.grants.Save(ctx, &models.StoredGrant{
		ID:            g.ID,
		DelegatorID:   g.DelegatorID,
		DelegateID:    g.DelegateID,
		ParentGrantID: g.ParentGrantID,
		Scope:         g.Scope,
		KeyEnvelope:   envelope,
		IssuedAt:      g.IssuedAt,
		ExpiresAt:     g.ExpiresAt,
		RevokedAt:     g.RevokedAt,
	})
}

// SharedScopes returns the scopes this device may currently read under live
// grants, for the sync task to pull alongside the own dataset.
func (s *Store) SharedScopes(ctx context.Context) ([]string, error) {
	all, err := s.grants.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	seen := map[string]bool{}
	var scopes []string
	for _, g := range all {
		if !g.Live(now) || seen[g.Scope] {
			continue
		}
		seen[g.Scope] = true
		scopes = append(scopes, g.Scope)
	}
	return scopes, nil
}

// MarkScopeRevoked records that the relay denied access to a scope, so the
// local grant stops feeding the sync task. Stored ciphertext is not scrubbed;
// what was already synced and decrypted stays readable on this device.
func (s *Store) MarkScopeRevoked(ctx context.Context, scope string) error {
	g, err := s.grants.LiveByScope(ctx, scope, s.now())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return err
	}
	s.logger.Warn(ctx, "access no longer available", "scope", scope, "grant_id", g.ID)
	return s.grants.MarkRevoked(ctx, g.ID, s.now().UTC())
}

// GetShared opens a record from a delegated scope using the grant's reader
// keyring. Without a live grant for the scope the read is denied, even if
// the sealed row is still present locally.
func (s *Store) GetShared(ctx context.Context, scope, id string) ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned() {
		return nil, fmt.Errorf("record %s: %w", id, common.ErrorNotFound)
	}
	dek, err := s.sharedDEK(ctx, scope, rec.KeyID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)
	return cryptox.Open(dek, rec.Ciphertext, rec.Nonce)
}

// ListShared returns payload-free metadata for live records in a granted scope.
func (s *Store) ListShared(ctx context.Context, scope string) ([]RecordInfo, error) {
	return s.listScope(ctx, scope)
}

func (s *Store) dekForScope(ctx context.Context, scope, keyID string) ([]byte, error) {
	if scope == OwnScope {
		return s.keyring.DEK(s.masterKey, keyID)
	}
	return s.sharedDEK(ctx, scope, keyID)
}

func (s *Store) sharedDEK(ctx context.Context, scope, keyID string) ([]byte, error) {
	g, err := s.grants.LiveByScope(ctx, scope, s.now())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("scope %s: %w", scope, common.ErrAuthorizationDenied)
		}
		return nil, err
	}
	readKey, ring, err := s.openGrantKey(g)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(readKey)
	return delegation.ReaderDEK(readKey, ring, keyID)
}

func (s *Store) openGrantKey(g *models.StoredGrant) ([]byte, map[string][]byte, error) {
	if len(g.KeyEnvelope) == 0 {
		return nil, nil, fmt.Errorf("grant %s has no key material: %w", g.ID, common.ErrorNotFound)
	}
	var key api.GrantKey
	if err := json.Unmarshal(g.KeyEnvelope, &key); err != nil {
		return nil, nil, fmt.Errorf("failed to decode grant key envelope: %w", err)
	}
	readKey, err := delegation.UnwrapFromTransport(&delegation.Envelope{
		EphemeralPublic: key.EphemeralPublic,
		Nonce:           key.Nonce,
		Ciphertext:      key.Ciphertext,
	}, s.transport.Private)
	if err != nil {
		return nil, nil, err
	}
	return readKey, key.ReaderKeyring, nil
}
