package delegation

import (
	"bytes"
	"errors"
	"testing"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
)

func testDEK() []byte {
	dek := make([]byte, cryptox.KeySize)
	for i := range dek {
		dek[i] = byte(i)
	}
	return dek
}

func TestDeriveDelegateKey_Deterministic(t *testing.T) {
	dek := testDEK()

	k1, err := DeriveDelegateKey(dek, "acct-owner", "advisor-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveDelegateKey(dek, "acct-owner", "advisor-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Fatalf("same inputs produced different keys")
	}
	if len(k1) != cryptox.KeySize {
		t.Fatalf("expected %d byte key, got %d", cryptox.KeySize, len(k1))
	}
	if bytes.Equal(k1, dek) {
		t.Fatalf("derived key equals the dek")
	}
}

func TestDeriveDelegateKey_DistinctPerIdentityAndScope(t *testing.T) {
	dek := testDEK()

	base, _ := DeriveDelegateKey(dek, "acct-owner", "advisor-1")
	otherID, _ := DeriveDelegateKey(dek, "acct-owner", "advisor-2")
	otherScope, _ := DeriveDelegateKey(dek, "acct-other", "advisor-1")

	if bytes.Equal(base, otherID) {
		t.Fatalf("different delegates derived the same key")
	}
	if bytes.Equal(base, otherScope) {
		t.Fatalf("different scopes derived the same key")
	}
}

func TestDeriveDelegateKey_BadInputs(t *testing.T) {
	dek := testDEK()

	tests := []struct {
		name string
		f    func() error
	}{
		{"short dek", func() error {
			_, err := DeriveDelegateKey(dek[:16], "scope", "advisor")
			return err
		}},
		{"empty scope", func() error {
			_, err := DeriveDelegateKey(dek, "", "advisor")
			return err
		}},
		{"empty delegate", func() error {
			_, err := DeriveDelegateKey(dek, "scope", "")
			return err
		}},
		{"separator in delegate id", func() error {
			_, err := DeriveDelegateKey(dek, "scope", "adv|isor")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.f(); !errors.Is(err, common.ErrKeyDerivation) {
				t.Fatalf("expected ErrKeyDerivation, got %v", err)
			}
		})
	}
}

func TestDeriveSubDelegateKey(t *testing.T) {
	dek := testDEK()
	clientKey, err := DeriveDelegateKey(dek, "acct-owner", "advisor-1")
	if err != nil {
		t.Fatalf("derive client key: %v", err)
	}

	s1, err := DeriveSubDelegateKey(clientKey, "staff-1")
	if err != nil {
		t.Fatalf("derive sub key: %v", err)
	}
	s1again, err := DeriveSubDelegateKey(clientKey, "staff-1")
	if err != nil {
		t.Fatalf("derive sub key: %v", err)
	}
	s2, err := DeriveSubDelegateKey(clientKey, "staff-2")
	if err != nil {
		t.Fatalf("derive sub key: %v", err)
	}

	if !bytes.Equal(s1, s1again) {
		t.Fatalf("sub derivation not deterministic")
	}
	if bytes.Equal(s1, s2) {
		t.Fatalf("sibling staff derived the same key")
	}
	if bytes.Equal([]byte(s1), []byte(clientKey)) {
		t.Fatalf("sub key equals parent key")
	}

	if _, err := DeriveSubDelegateKey(clientKey, ""); !errors.Is(err, common.ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation for empty staff id, got %v", err)
	}
	if _, err := DeriveSubDelegateKey(ClientScopedKey(dek[:8]), "staff-1"); !errors.Is(err, common.ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation for short key, got %v", err)
	}
}

func TestSiblingKeysCannotCross(t *testing.T) {
	dek := testDEK()
	clientKey, _ := DeriveDelegateKey(dek, "acct-owner", "advisor-1")
	s1, _ := DeriveSubDelegateKey(clientKey, "staff-1")
	s2, _ := DeriveSubDelegateKey(clientKey, "staff-2")

	ring, err := BuildReaderKeyring(s1, map[string][]byte{"epoch-1": dek})
	if err != nil {
		t.Fatalf("build ring: %v", err)
	}

	if _, err := ReaderDEK(s1, ring, "epoch-1"); err != nil {
		t.Fatalf("owner of the ring must open it: %v", err)
	}
	if _, err := ReaderDEK(s2, ring, "epoch-1"); !errors.Is(err, common.ErrPayloadTampered) {
		t.Fatalf("sibling opened a foreign ring: %v", err)
	}
}

func TestScopeBoundary(t *testing.T) {
	dek := testDEK()
	inScope, _ := DeriveDelegateKey(dek, "acct-a", "advisor-1")
	outOfScope, _ := DeriveDelegateKey(dek, "acct-b", "advisor-1")

	ring, err := BuildReaderKeyring(inScope, map[string][]byte{"epoch-1": dek})
	if err != nil {
		t.Fatalf("build ring: %v", err)
	}

	if _, err := ReaderDEK(outOfScope, ring, "epoch-1"); !errors.Is(err, common.ErrPayloadTampered) {
		t.Fatalf("key for another scope opened the ring: %v", err)
	}
}

func TestReaderKeyring(t *testing.T) {
	readKey := testDEK()
	dek1 := cryptox.NewDEK()
	dek2 := cryptox.NewDEK()

	ring, err := BuildReaderKeyring(readKey, map[string][]byte{
		"epoch-1": dek1,
		"epoch-2": dek2,
	})
	if err != nil {
		t.Fatalf("build ring: %v", err)
	}

	got1, err := ReaderDEK(readKey, ring, "epoch-1")
	if err != nil {
		t.Fatalf("open epoch-1: %v", err)
	}
	got2, err := ReaderDEK(readKey, ring, "epoch-2")
	if err != nil {
		t.Fatalf("open epoch-2: %v", err)
	}
	if !bytes.Equal(got1, dek1) || !bytes.Equal(got2, dek2) {
		t.Fatalf("reader keyring round trip mismatch")
	}

	if _, err := ReaderDEK(readKey, ring, "epoch-9"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound for unknown epoch, got %v", err)
	}
}
