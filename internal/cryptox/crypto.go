// Package cryptox implements the key hierarchy protecting record payloads:
// an argon2id master key derived from the user secret, random data keys
// (DEKs) sealing payloads with AES-256-GCM, and key wrapping so DEKs are only
// ever stored under the master key. Plaintext and unwrapped keys never leave
// the device.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/syncwell/recordsync/internal/common"
)

const (
	// KeySize is the size of every symmetric key in the hierarchy.
	KeySize = 32
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
)

// Params tunes the argon2id derivation. Stored alongside the salt so a
// passphrase keeps deriving the same key after defaults change.
type Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	KeyLen  uint32 `json:"key_len"`
}

// DefaultParams returns the interactive-login cost profile.
func DefaultParams() Params {
	return Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: KeySize}
}

// DeriveMasterKey derives the master key from a user secret and salt using
// argon2id. Deterministic: same inputs and params, same key.
func DeriveMasterKey(secret, salt []byte, p Params) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// MakeVerifier hashes the master key for zero-knowledge login: the relay
// stores and compares the verifier, never the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// NewDEK returns a fresh random data encryption key.
func NewDEK() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// Seal encrypts plaintext with AES-256-GCM under key.
//
// A new random 12-byte nonce is generated for each call and returned
// alongside the ciphertext; both must be stored, the pair is what Open
// needs. The key must be a valid AES key length.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts and authenticates ciphertext produced by Seal.
//
// Any authentication failure, whether a wrong key or a modified ciphertext,
// returns common.ErrPayloadTampered. Callers drop and log such payloads;
// retrying an identical corrupt payload cannot succeed.
func Open(key, ciphertext, nonce []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPayloadTampered, err)
	}
	return plaintext, nil
}

// WrapKey seals key under the key-encryption key kek and returns a single
// self-contained envelope (nonce followed by ciphertext).
func WrapKey(kek, key []byte) ([]byte, error) {
	ciphertext, nonce, err := Seal(kek, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapKey opens an envelope produced by WrapKey.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) <= NonceSize {
		return nil, fmt.Errorf("%w: wrapped key too short", common.ErrPayloadTampered)
	}
	return Open(kek, wrapped[NonceSize:], wrapped[:NonceSize])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
