// Package delegation derives scoped read keys for third parties and moves
// them between devices without the relay ever seeing key material.
//
// Derivation is one-way: a delegate key comes out of HKDF keyed by the DEK
// plus the delegate's identity and scope, so holding the delegate key reveals
// nothing about the DEK. Sub-delegation goes exactly one level further and is
// enforced by type: a SubScopedKey can only be derived from a
// ClientScopedKey, never from a DEK.
package delegation

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
)

const (
	infoClientKey = "recordsync-delegate-v1"
	infoSubKey    = "recordsync-subdelegate-v1"
)

// ClientScopedKey is a read key derived for a direct delegate of the data
// owner. It opens wrapped DEKs in the grant's reader keyring and is the only
// material a sub-delegation can be derived from.
type ClientScopedKey []byte

// SubScopedKey is a read key derived for a delegate's own staff, one level
// below a ClientScopedKey. Nothing derives from it.
type SubScopedKey []byte

// DeriveDelegateKey derives the client-scoped read key for a delegate.
// Deterministic: the delegator can re-derive it at any time from the DEK.
func DeriveDelegateKey(dek []byte, scope, delegateID string) (ClientScopedKey, error) {
	if len(dek) != cryptox.KeySize {
		return nil, fmt.Errorf("%w: dek must be %d bytes", common.ErrKeyDerivation, cryptox.KeySize)
	}
	key, err := derive(dek, infoClientKey, scope, delegateID)
	if err != nil {
		return nil, err
	}
	return ClientScopedKey(key), nil
}

// DeriveSubDelegateKey derives a staff read key from a client-scoped key.
// The scope is already bound into the parent key, so only the sub-delegate
// identity is mixed in here.
func DeriveSubDelegateKey(clientKey ClientScopedKey, subDelegateID string) (SubScopedKey, error) {
	if len(clientKey) != cryptox.KeySize {
		return nil, fmt.Errorf("%w: client key must be %d bytes", common.ErrKeyDerivation, cryptox.KeySize)
	}
	key, err := derive(clientKey, infoSubKey, subDelegateID)
	if err != nil {
		return nil, err
	}
	return SubScopedKey(key), nil
}

func derive(secret []byte, parts ...string) ([]byte, error) {
	for _, p := range parts[1:] {
		if p == "" {
			return nil, fmt.Errorf("%w: empty derivation input", common.ErrKeyDerivation)
		}
		if strings.Contains(p, "|") {
			return nil, fmt.Errorf("%w: derivation input contains separator", common.ErrKeyDerivation)
		}
	}
	info := strings.Join(parts, "|")
	hk := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, cryptox.KeySize)
	if _, err := io.ReadFull(hk, out); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	return out, nil
}

// BuildReaderKeyring wraps each exposed DEK epoch under the scoped read key.
// The result travels with the grant so the holder can open ciphertexts from
// any exposed epoch; epochs created after a grant is revoked are simply never
// added to its ring.
func BuildReaderKeyring(readKey []byte, deks map[string][]byte) (map[string][]byte, error) {
	if len(readKey) != cryptox.KeySize {
		return nil, fmt.Errorf("%w: read key must be %d bytes", common.ErrKeyDerivation, cryptox.KeySize)
	}
	ring := make(map[string][]byte, len(deks))
	for id, dek := range deks {
		wrapped, err := cryptox.WrapKey(readKey, dek)
		if err != nil {
			return nil, fmt.Errorf("wrapping dek %s: %w", id, err)
		}
		ring[id] = wrapped
	}
	return ring, nil
}

// ReaderDEK unwraps the DEK for one key epoch from a reader keyring.
// Returns common.ErrorNotFound when the ring does not expose that epoch.
func ReaderDEK(readKey []byte, ring map[string][]byte, keyID string) ([]byte, error) {
	wrapped, ok := ring[keyID]
	if !ok {
		return nil, fmt.Errorf("key epoch %s: %w", keyID, common.ErrorNotFound)
	}
	dek, err := cryptox.UnwrapKey(readKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping epoch %s: %w", keyID, err)
	}
	return dek, nil
}
