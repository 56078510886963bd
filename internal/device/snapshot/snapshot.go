// Package snapshot serializes the device store for backup and transfer:
// zstd-compressed JSON of the still-sealed record table, grants and
// metadata. Nothing is decrypted on the way out, so a snapshot is exactly
// as safe at rest as the database it came from.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/syncwell/recordsync/internal/device/models"
	"github.com/syncwell/recordsync/internal/vector"
)

// FormatVersion is bumped when the snapshot layout changes incompatibly.
const FormatVersion = 1

// Data is everything a snapshot carries.
type Data struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Records    []Record          `json:"records"`
	Grants     []Grant           `json:"grants"`
	Metadata   map[string][]byte `json:"metadata"`
}

// Record mirrors models.Record with wire tags. Payloads stay sealed.
type Record struct {
	ID           string        `json:"id"`
	Scope        string        `json:"scope,omitempty"`
	Vector       vector.Vector `json:"vector"`
	UpdatedAt    time.Time     `json:"updated_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
	Ciphertext   []byte        `json:"ciphertext,omitempty"`
	Nonce        []byte        `json:"nonce,omitempty"`
	KeyID        string        `json:"key_id,omitempty"`
	BlobKey      string        `json:"blob_key,omitempty"`
	OriginDevice string        `json:"origin_device,omitempty"`
	Pending      bool          `json:"pending,omitempty"`
}

// Grant mirrors models.StoredGrant; the key envelope stays sealed.
type Grant struct {
	ID            string     `json:"id"`
	DelegatorID   string     `json:"delegator_id"`
	DelegateID    string     `json:"delegate_id"`
	ParentGrantID string     `json:"parent_grant_id,omitempty"`
	Scope         string     `json:"scope"`
	KeyEnvelope   []byte     `json:"key_envelope,omitempty"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// FromRecord converts a store row into its snapshot form.
func FromRecord(r *models.Record) Record {
	return Record{
		ID:           r.ID,
		Scope:        r.Scope,
		Vector:       r.Vector,
		UpdatedAt:    r.UpdatedAt,
		DeletedAt:    r.DeletedAt,
		Ciphertext:   r.Ciphertext,
		Nonce:        r.Nonce,
		KeyID:        r.KeyID,
		BlobKey:      r.BlobKey,
		OriginDevice: r.OriginDevice,
		Pending:      r.Pending,
	}
}

// ToRecord converts a snapshot record back into a store row.
func (r Record) ToRecord() *models.Record {
	return &models.Record{
		ID:           r.ID,
		Scope:        r.Scope,
		Vector:       r.Vector,
		UpdatedAt:    r.UpdatedAt,
		DeletedAt:    r.DeletedAt,
		Ciphertext:   r.Ciphertext,
		Nonce:        r.Nonce,
		KeyID:        r.KeyID,
		BlobKey:      r.BlobKey,
		OriginDevice: r.OriginDevice,
		Pending:      r.Pending,
	}
}

// FromGrant converts a stored grant into its snapshot form.
func FromGrant(g *models.StoredGrant) Grant {
	return Grant{
		ID:            g.ID,
		DelegatorID:   g.DelegatorID,
		DelegateID:    g.DelegateID,
		ParentGrantID: g.ParentGrantID,
		Scope:         g.Scope,
		KeyEnvelope:   g.KeyEnvelope,
		IssuedAt:      g.IssuedAt,
		ExpiresAt:     g.ExpiresAt,
		RevokedAt:     g.RevokedAt,
	}
}

// ToGrant converts a snapshot grant back into a store row.
func (g Grant) ToGrant() *models.StoredGrant {
	return &models.StoredGrant{
		ID:            g.ID,
		DelegatorID:   g.DelegatorID,
		DelegateID:    g.DelegateID,
		ParentGrantID: g.ParentGrantID,
		Scope:         g.Scope,
		KeyEnvelope:   g.KeyEnvelope,
		IssuedAt:      g.IssuedAt,
		ExpiresAt:     g.ExpiresAt,
		RevokedAt:     g.RevokedAt,
	}
}

// Write streams data to w as zstd-compressed JSON.
func Write(w io.Writer, data *Data) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()
	if err := json.NewEncoder(zw).Encode(data); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return zw.Close()
}

// Read parses a snapshot written by Write and checks its format version.
func Read(r io.Reader) (*Data, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data Data
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if data.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", data.Version)
	}
	return &data, nil
}
