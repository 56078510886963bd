// Package merge implements state-based reconciliation of two versions of the
// same record. Causal order decided by version vectors always wins; only for
// genuinely concurrent versions does the engine fall back to its resolution
// policy: tombstone first, then last-writer-wins by updated_at with the
// origin device id as the final deterministic tie-break.
//
// Resolution is pure, total and order-insensitive: folding any permutation of
// the same version set converges to the same state. Concurrent resolutions
// are reported as Conflict values for the caller's conflict log; they are
// never errors and never prompt.
package merge

import (
	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/vector"
)

// Decision says what Resolve did with the remote version.
type Decision int

const (
	// Unchanged - both versions identical, nothing to do.
	Unchanged Decision = iota
	// KeptLocal - local causally dominates, remote discarded.
	KeptLocal
	// AppliedRemote - remote causally dominates, taken wholesale.
	AppliedRemote
	// ResolvedConcurrent - neither dominates, resolution policy applied.
	ResolvedConcurrent
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case KeptLocal:
		return "kept_local"
	case AppliedRemote:
		return "applied_remote"
	case ResolvedConcurrent:
		return "resolved_concurrent"
	default:
		return "unknown"
	}
}

// Resolution rules recorded on Conflict events.
const (
	RuleTombstone  = "tombstone"
	RuleLastWriter = "last_writer"
)

// Conflict describes one concurrent resolution: which versions collided,
// which rule decided it and whose write survived.
type Conflict struct {
	RecordID     string
	LocalVector  vector.Vector
	RemoteVector vector.Vector
	Rule         string
	Winner       string // origin device id of the surviving write
	RemoteWon    bool
}

// Outcome is the result of resolving one remote version against local state.
// Conflict is non-nil only for ResolvedConcurrent.
type Outcome struct {
	State    api.RecordState
	Decision Decision
	Conflict *Conflict
}

// Resolve reconciles a remote version of a record with the local one.
//
// Vector comparison settles everything it can: equal means no-op, a
// dominating side replaces the other wholesale, payload and vector both.
// Concurrent versions merge: a tombstone on either side makes the result a
// tombstone; otherwise the later updated_at wins, ties broken by the greater
// origin device id. In every concurrent case the merged vector is the
// componentwise max of both, so the result dominates both inputs and the
// resolution cannot recur.
func Resolve(recordID string, local, remote api.RecordState) Outcome {
	switch vector.Compare(local.Vector, remote.Vector) {
	case vector.Equal:
		return Outcome{State: local, Decision: Unchanged}
	case vector.Dominates:
		return Outcome{State: local, Decision: KeptLocal}
	case vector.Dominated:
		return Outcome{State: remote, Decision: AppliedRemote}
	}

	rule := RuleTombstone
	var winner api.RecordState
	switch {
	case local.Tombstone && !remote.Tombstone:
		winner = local
	case remote.Tombstone && !local.Tombstone:
		winner = remote
	default:
		// Both tombstoned or neither: last writer wins.
		if !local.Tombstone {
			rule = RuleLastWriter
		}
		winner = lastWriter(local, remote)
	}

	merged := winner.Clone()
	merged.Vector = vector.Merge(local.Vector, remote.Vector)
	if merged.Tombstone {
		merged.Ciphertext = nil
		merged.Nonce = nil
		merged.KeyID = ""
		merged.BlobKey = ""
	}

	return Outcome{
		State:    merged,
		Decision: ResolvedConcurrent,
		Conflict: &Conflict{
			RecordID:     recordID,
			LocalVector:  local.Vector.Clone(),
			RemoteVector: remote.Vector.Clone(),
			Rule:         rule,
			Winner:       winner.OriginDevice,
			RemoteWon:    winner.OriginDevice == remote.OriginDevice,
		},
	}
}

func lastWriter(local, remote api.RecordState) api.RecordState {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote
	}
	if local.OriginDevice > remote.OriginDevice {
		return local
	}
	return remote
}
