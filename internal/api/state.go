package api

import (
	"time"

	"github.com/syncwell/recordsync/internal/vector"
)

// RecordState is the synchronized portion of a record: the fields every
// device must agree on once it has seen the same deltas. Device-local
// bookkeeping (pending flags, conflict log) stays out of it.
type RecordState struct {
	Vector       vector.Vector
	UpdatedAt    time.Time
	Tombstone    bool
	Ciphertext   []byte
	Nonce        []byte
	KeyID        string
	BlobKey      string
	OriginDevice string
}

// Clone returns a deep copy so callers can mutate the result without
// aliasing stored state.
func (s RecordState) Clone() RecordState {
	out := s
	out.Vector = s.Vector.Clone()
	if s.Ciphertext != nil {
		out.Ciphertext = append([]byte(nil), s.Ciphertext...)
	}
	if s.Nonce != nil {
		out.Nonce = append([]byte(nil), s.Nonce...)
	}
	return out
}
