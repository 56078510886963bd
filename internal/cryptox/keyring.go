package cryptox

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/syncwell/recordsync/internal/common"
)

// Keyring holds every DEK the device has ever used, wrapped under the master
// key. New payloads are sealed with the active DEK; retired DEKs stay in the
// ring so historical ciphertexts remain readable. Each ciphertext records the
// id of the DEK that sealed it.
type Keyring struct {
	ActiveID string            `json:"active_id"`
	Wrapped  map[string][]byte `json:"wrapped"`
}

// NewKeyring creates a keyring with a single freshly generated active DEK.
func NewKeyring(masterKey []byte) (*Keyring, error) {
	k := &Keyring{Wrapped: map[string][]byte{}}
	if _, err := k.Rotate(masterKey); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new DEK, wraps it under the master key and makes it the
// active key. Previous DEKs are retained. Returns the new key id.
func (k *Keyring) Rotate(masterKey []byte) (string, error) {
	dek := NewDEK()
	defer common.WipeByteArray(dek)

	wrapped, err := WrapKey(masterKey, dek)
	if err != nil {
		return "", fmt.Errorf("wrapping dek: %w", err)
	}

	id := uuid.NewString()
	k.Wrapped[id] = wrapped
	k.ActiveID = id
	return id, nil
}

// Adopt copies every wrapped DEK from other that the ring does not already
// hold. Entries are wrapped under the same master key on every device of an
// account, so they transfer verbatim. Existing entries are never overwritten;
// the active id is left to the caller. Returns the adopted ids, sorted.
func (k *Keyring) Adopt(other *Keyring) []string {
	added := []string{}
	for id, wrapped := range other.Wrapped {
		if _, ok := k.Wrapped[id]; ok {
			continue
		}
		k.Wrapped[id] = wrapped
		added = append(added, id)
	}
	sort.Strings(added)
	return added
}

// DEK unwraps the key with the given id. Returns common.ErrorNotFound for an
// id the ring has never held. The caller owns the returned bytes and should
// wipe them when done.
func (k *Keyring) DEK(masterKey []byte, id string) ([]byte, error) {
	wrapped, ok := k.Wrapped[id]
	if !ok {
		return nil, fmt.Errorf("dek %s: %w", id, common.ErrorNotFound)
	}
	dek, err := UnwrapKey(masterKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping dek %s: %w", id, err)
	}
	return dek, nil
}

// Active unwraps the currently active DEK.
func (k *Keyring) Active(masterKey []byte) ([]byte, error) {
	return k.DEK(masterKey, k.ActiveID)
}

// IDs returns every key id in the ring, sorted.
func (k *Keyring) IDs() []string {
	ids := make([]string, 0, len(k.Wrapped))
	for id := range k.Wrapped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Marshal serializes the keyring for the metadata store. Only wrapped key
// material is ever written out.
func (k *Keyring) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalKeyring restores a keyring serialized with Marshal.
func UnmarshalKeyring(b []byte) (*Keyring, error) {
	var k Keyring
	if err := json.Unmarshal(b, &k); err != nil {
		return nil, fmt.Errorf("decoding keyring: %w", err)
	}
	if k.Wrapped == nil {
		k.Wrapped = map[string][]byte{}
	}
	return &k, nil
}
