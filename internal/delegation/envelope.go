package delegation

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
)

const infoEnvelope = "recordsync-envelope-v1"

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the test
// completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// KeyPair is an X25519 key pair identifying one device for key transport.
// The public half is registered with grants; the private half never leaves
// the device.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair creates a fresh X25519 key pair with the private scalar
// clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if err := readRandom(priv); err != nil {
		return nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Envelope carries a scoped read key sealed to one recipient device. Only the
// holder of the matching private key can open it; the relay stores it as an
// opaque blob.
type Envelope struct {
	EphemeralPublic []byte `json:"ephemeral_public"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// WrapForTransport seals key to the recipient's public key: ephemeral X25519
// ECDH, HKDF to a transport key, ChaCha20-Poly1305 with the ephemeral public
// bound as associated data.
func WrapForTransport(key, recipientPub []byte) (*Envelope, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: recipient public key must be %d bytes", common.ErrKeyDerivation, curve25519.PointSize)
	}
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	aead, err := transportAEAD(eph.Private, recipientPub, eph.Public)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if err := readRandom(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, key, eph.Public)
	return &Envelope{
		EphemeralPublic: eph.Public,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// UnwrapFromTransport opens an envelope with the recipient's private key.
// A failed authentication tag, from a wrong key or a modified envelope,
// returns common.ErrPayloadTampered.
func UnwrapFromTransport(env *Envelope, recipientPriv []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", common.ErrPayloadTampered)
	}
	if len(env.EphemeralPublic) != curve25519.PointSize || len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: malformed envelope", common.ErrPayloadTampered)
	}
	if len(recipientPriv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", common.ErrKeyDerivation, curve25519.ScalarSize)
	}
	aead, err := transportAEAD(recipientPriv, env.EphemeralPublic, env.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	key, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.EphemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPayloadTampered, err)
	}
	return key, nil
}

func transportAEAD(priv, pub, ephemeralPub []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	hk := hkdf.New(sha256.New, shared, ephemeralPub, []byte(infoEnvelope))
	kek := make([]byte, cryptox.KeySize)
	if _, err := io.ReadFull(hk, kek); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	return chacha20poly1305.New(kek)
}
