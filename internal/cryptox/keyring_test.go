package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/recordsync/internal/common"
)

func TestNewKeyring(t *testing.T) {
	master := NewDEK()

	k, err := NewKeyring(master)
	require.NoError(t, err)
	require.NotEmpty(t, k.ActiveID)
	require.Len(t, k.Wrapped, 1)

	dek, err := k.Active(master)
	require.NoError(t, err)
	assert.Len(t, dek, KeySize)
}

func TestKeyringRotate_RetainsOldKeys(t *testing.T) {
	master := NewDEK()
	k, err := NewKeyring(master)
	require.NoError(t, err)

	firstID := k.ActiveID
	firstDEK, err := k.Active(master)
	require.NoError(t, err)

	// Seal something under the first epoch, then rotate.
	ciphertext, nonce, err := Seal(firstDEK, []byte("old payload"))
	require.NoError(t, err)

	newID, err := k.Rotate(master)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, newID)
	assert.Equal(t, newID, k.ActiveID)
	assert.Len(t, k.Wrapped, 2)

	// The retired key still opens historical ciphertexts.
	oldDEK, err := k.DEK(master, firstID)
	require.NoError(t, err)
	plaintext, err := Open(oldDEK, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("old payload"), plaintext)

	// And the new active key is a different key.
	newDEK, err := k.Active(master)
	require.NoError(t, err)
	assert.NotEqual(t, oldDEK, newDEK)
}

func TestKeyringAdopt_UnionsWrappedKeys(t *testing.T) {
	master := NewDEK()
	a, err := NewKeyring(master)
	require.NoError(t, err)

	// Two devices starting from the same ring each rotate independently.
	bBytes, err := a.Marshal()
	require.NoError(t, err)
	b, err := UnmarshalKeyring(bBytes)
	require.NoError(t, err)

	aID, err := a.Rotate(master)
	require.NoError(t, err)
	bID, err := b.Rotate(master)
	require.NoError(t, err)

	added := a.Adopt(b)
	assert.Equal(t, []string{bID}, added)
	assert.Len(t, a.Wrapped, 3)
	// Adoption never moves the active key.
	assert.Equal(t, aID, a.ActiveID)

	// The adopted epoch opens with the shared master key.
	dek, err := a.DEK(master, bID)
	require.NoError(t, err)
	assert.Len(t, dek, KeySize)

	// Idempotent: nothing new on a second pass.
	assert.Empty(t, a.Adopt(b))
}

func TestKeyringDEK_UnknownID(t *testing.T) {
	master := NewDEK()
	k, err := NewKeyring(master)
	require.NoError(t, err)

	_, err = k.DEK(master, "no-such-id")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestKeyringDEK_WrongMasterKey(t *testing.T) {
	master := NewDEK()
	k, err := NewKeyring(master)
	require.NoError(t, err)

	_, err = k.Active(NewDEK())
	require.ErrorIs(t, err, common.ErrPayloadTampered)
}

func TestKeyringMarshal_RoundTrip(t *testing.T) {
	master := NewDEK()
	k, err := NewKeyring(master)
	require.NoError(t, err)
	_, err = k.Rotate(master)
	require.NoError(t, err)

	blob, err := k.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalKeyring(blob)
	require.NoError(t, err)
	assert.Equal(t, k.ActiveID, restored.ActiveID)
	assert.Equal(t, k.IDs(), restored.IDs())

	dek, err := restored.Active(master)
	require.NoError(t, err)
	assert.Len(t, dek, KeySize)
}

func TestUnmarshalKeyring_Malformed(t *testing.T) {
	_, err := UnmarshalKeyring([]byte("{not json"))
	require.Error(t, err)
}
