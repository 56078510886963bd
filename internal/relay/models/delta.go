package models

import "time"

// Delta is one stored record version. VersionVector holds the canonical
// encoding produced by vector.Encode; together with Scope and RecordID it
// forms the idempotence key, so replaying the same push changes nothing.
// Seq is the relay-assigned cursor position.
type Delta struct {
	Seq           int64
	Scope         string
	RecordID      string
	VersionVector []byte
	Ciphertext    []byte
	Nonce         []byte
	KeyID         string
	BlobKey       string
	Tombstone     bool
	UpdatedAt     time.Time
	OriginDevice  string
	ReceivedAt    time.Time
}
