// Package models defines the rows the device store persists: synchronized
// records, delegation grants received from other parties, and the conflict
// log. Payloads are sealed before they reach any of these types.
package models

import (
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/vector"
)

// Record is one synchronized entity as stored on a device. Scope is empty for
// the device's own dataset and holds the delegator's scope id for records
// synced under a grant. Pending marks local changes the relay has not
// acknowledged yet.
type Record struct {
	ID           string
	Scope        string
	Vector       vector.Vector
	UpdatedAt    time.Time
	DeletedAt    *time.Time
	Ciphertext   []byte
	Nonce        []byte
	KeyID        string
	BlobKey      string
	OriginDevice string
	Pending      bool
}

// Tombstoned reports whether the record carries a delete marker. Once set it
// is permanent; no merge outcome ever clears it.
func (r *Record) Tombstoned() bool {
	return r.DeletedAt != nil
}

// State projects the record onto the merge-relevant synchronized state.
func (r *Record) State() api.RecordState {
	return api.RecordState{
		Vector:       r.Vector,
		UpdatedAt:    r.UpdatedAt,
		Tombstone:    r.Tombstoned(),
		Ciphertext:   r.Ciphertext,
		Nonce:        r.Nonce,
		KeyID:        r.KeyID,
		BlobKey:      r.BlobKey,
		OriginDevice: r.OriginDevice,
	}
}

// ApplyState overwrites the synchronized portion of the record with st,
// leaving device-local bookkeeping untouched. A tombstone keeps the first
// deletion timestamp it was given.
func (r *Record) ApplyState(st api.RecordState) {
	r.Vector = st.Vector
	r.UpdatedAt = st.UpdatedAt
	r.Ciphertext = st.Ciphertext
	r.Nonce = st.Nonce
	r.KeyID = st.KeyID
	r.BlobKey = st.BlobKey
	r.OriginDevice = st.OriginDevice
	if st.Tombstone && r.DeletedAt == nil {
		at := st.UpdatedAt
		r.DeletedAt = &at
	}
	if r.DeletedAt != nil {
		r.Ciphertext = nil
		r.Nonce = nil
		r.KeyID = ""
		r.BlobKey = ""
	}
}

// Delta renders the record as the wire shape pushed to the relay.
func (r *Record) Delta() api.Delta {
	return api.Delta{
		RecordID:     r.ID,
		Scope:        r.Scope,
		Vector:       r.Vector.Clone(),
		Ciphertext:   r.Ciphertext,
		Nonce:        r.Nonce,
		KeyID:        r.KeyID,
		BlobKey:      r.BlobKey,
		Tombstone:    r.Tombstoned(),
		UpdatedAt:    r.UpdatedAt,
		OriginDevice: r.OriginDevice,
	}
}
