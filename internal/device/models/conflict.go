package models

import "time"

// Conflict is one row of the device conflict log: a concurrent merge the
// engine resolved automatically. Vectors are stored in their canonical
// encoding. The log is the only recourse for recovering a superseded edit,
// so rows are append-only.
type Conflict struct {
	ID           int64
	Scope        string
	RecordID     string
	LocalVector  []byte
	RemoteVector []byte
	Rule         string
	Winner       string
	RemoteWon    bool
	OccurredAt   time.Time
}
