// Package api defines the JSON wire contract between the device agent and the
// relay: routes, request/response bodies, and the delta format deltas travel
// in. Both sides import this package so the contract cannot drift.
package api

import (
	"fmt"
	"time"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/vector"
)

// Relay routes. Grant item routes take the grant id as a chi URL parameter.
const (
	PathRegister  = "/v1/auth/register"
	PathSalt      = "/v1/auth/salt"
	PathLogin     = "/v1/auth/login"
	PathRefresh   = "/v1/auth/refresh"
	PathPush      = "/v1/sync/push"
	PathPull      = "/v1/sync/pull"
	PathSubscribe = "/v1/sync/subscribe"

	PathBlobUploadURL   = "/v1/blobs/upload-url"
	PathBlobDownloadURL = "/v1/blobs/download-url"

	PathGrants       = "/v1/grants"
	PathGrantAccept  = "/v1/grants/{grantID}/accept"
	PathGrantKey     = "/v1/grants/{grantID}/key"
	PathGrantRevoke  = "/v1/grants/{grantID}/revoke"
)

// MaxInlineCiphertext is the largest sealed payload a delta may carry inline.
// Anything bigger goes through blob offload: the sealed bytes are uploaded to
// object storage and the delta carries the storage key instead.
const MaxInlineCiphertext = 64 * 1024

// Delta is one record version in flight. Ciphertext and Nonce are the sealed
// payload (absent for tombstones and blob-offloaded payloads); KeyID names
// the data key epoch that sealed it. Seq is assigned by the relay on accept
// and is zero on push.
type Delta struct {
	RecordID     string        `json:"record_id"`
	Scope        string        `json:"scope,omitempty"`
	Vector       vector.Vector `json:"vector"`
	Ciphertext   []byte        `json:"ciphertext,omitempty"`
	Nonce        []byte        `json:"nonce,omitempty"`
	KeyID        string        `json:"key_id,omitempty"`
	BlobKey      string        `json:"blob_key,omitempty"`
	Tombstone    bool          `json:"tombstone,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	OriginDevice string        `json:"origin_device"`
	Seq          int64         `json:"seq,omitempty"`
}

// Validate checks the structural invariants every delta must satisfy before
// the relay stores it or a device applies it.
func (d *Delta) Validate() error {
	if d.RecordID == "" {
		return fmt.Errorf("%w: missing record id", common.ErrInvalidDelta)
	}
	if len(d.Vector) == 0 {
		return fmt.Errorf("%w: missing version vector", common.ErrInvalidDelta)
	}
	live := false
	for _, c := range d.Vector {
		if c > 0 {
			live = true
			break
		}
	}
	if !live {
		return fmt.Errorf("%w: zero version vector", common.ErrInvalidDelta)
	}
	if d.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: missing updated_at", common.ErrInvalidDelta)
	}
	if d.OriginDevice == "" {
		return fmt.Errorf("%w: missing origin device", common.ErrInvalidDelta)
	}
	if !d.Tombstone && len(d.Ciphertext) == 0 && d.BlobKey == "" {
		return fmt.Errorf("%w: missing payload", common.ErrInvalidDelta)
	}
	// Blob-offloaded deltas carry the full ciphertext only after the blob has
	// been fetched; the inline cap applies to what travels through the relay.
	if d.BlobKey == "" && len(d.Ciphertext) > MaxInlineCiphertext {
		return fmt.Errorf("%w: inline ciphertext exceeds %d bytes", common.ErrInvalidDelta, MaxInlineCiphertext)
	}
	hasPayload := len(d.Ciphertext) > 0 || d.BlobKey != ""
	if hasPayload && (len(d.Nonce) == 0 || d.KeyID == "") {
		return fmt.Errorf("%w: payload without nonce or key id", common.ErrInvalidDelta)
	}
	return nil
}

// State projects the delta onto the merge-relevant record state.
func (d *Delta) State() RecordState {
	return RecordState{
		Vector:       d.Vector,
		UpdatedAt:    d.UpdatedAt,
		Tombstone:    d.Tombstone,
		Ciphertext:   d.Ciphertext,
		Nonce:        d.Nonce,
		KeyID:        d.KeyID,
		BlobKey:      d.BlobKey,
		OriginDevice: d.OriginDevice,
	}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type SaltRequest struct {
	Username string `json:"username"`
}

type SaltResponse struct {
	Salt []byte `json:"salt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Verifier []byte `json:"verifier"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is returned by login and refresh. The refresh token is single-use
// and rotated on every refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type PushRequest struct {
	Deltas []Delta `json:"deltas"`
}

// PushResult reports the fate of one pushed delta. Duplicate means the relay
// had already stored an identical (record id, version vector) delta; the push
// is still a success for the caller.
type PushResult struct {
	RecordID  string `json:"record_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

type PushResponse struct {
	Results []PushResult `json:"results"`
	MaxSeq  int64        `json:"max_seq"`
}

// PullRequest asks for deltas with seq greater than Since. Scope selects
// which dataset to read; empty means the caller's own scope.
type PullRequest struct {
	Scope string `json:"scope,omitempty"`
	Since int64  `json:"since"`
	Limit int    `json:"limit,omitempty"`
}

type PullResponse struct {
	Deltas     []Delta `json:"deltas"`
	NextCursor int64   `json:"next_cursor"`
}

type BlobUploadURLResponse struct {
	BlobKey string `json:"blob_key"`
	URL     string `json:"url"`
}

type BlobDownloadURLRequest struct {
	BlobKey string `json:"blob_key"`
}

type BlobDownloadURLResponse struct {
	URL string `json:"url"`
}

// Grant lifecycle at the relay. A grant is created pending by the delegator,
// accepted by the delegate (who attaches a device public key), activated when
// the delegator uploads the wrapped key material, and dead once revoked or
// expired.
const (
	GrantStatusPending  = "pending"
	GrantStatusAccepted = "accepted"
	GrantStatusActive   = "active"
	GrantStatusRevoked  = "revoked"
)

// Grant is delegation metadata as the relay sees it. Key material never
// appears here; it travels separately as a GrantKey the relay cannot open.
type Grant struct {
	ID              string     `json:"id"`
	DelegatorID     string     `json:"delegator_id"`
	DelegateID      string     `json:"delegate_id"`
	ParentGrantID   string     `json:"parent_grant_id,omitempty"`
	Scope           string     `json:"scope"`
	Status          string     `json:"status"`
	DevicePublicKey []byte     `json:"device_public_key,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

type CreateGrantRequest struct {
	DelegateID    string     `json:"delegate_id"`
	Scope         string     `json:"scope,omitempty"`
	ParentGrantID string     `json:"parent_grant_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type AcceptGrantRequest struct {
	DevicePublicKey []byte `json:"device_public_key"`
}

type ListGrantsResponse struct {
	Issued   []Grant `json:"issued"`
	Received []Grant `json:"received"`
}

// GrantKey is the sealed key material for an accepted grant. The envelope
// fields carry the scoped read key sealed to the delegate's device public
// key; ReaderKeyring maps each data key id to that data key wrapped under
// the scoped read key, so the delegate can open every key epoch the
// delegator chose to expose.
type GrantKey struct {
	EphemeralPublic []byte            `json:"ephemeral_public"`
	Nonce           []byte            `json:"nonce"`
	Ciphertext      []byte            `json:"ciphertext"`
	ReaderKeyring   map[string][]byte `json:"reader_keyring"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
