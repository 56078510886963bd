package models

import "time"

// StoredGrant is a delegation grant as kept on the delegate's device: the
// relay metadata plus the sealed key envelope fetched after activation.
// KeyEnvelope is the JSON-encoded api.GrantKey; it stays sealed at rest and
// is only opened with the device transport key while reading shared records.
type StoredGrant struct {
	ID            string
	DelegatorID   string
	DelegateID    string
	ParentGrantID string
	Scope         string
	KeyEnvelope   []byte
	IssuedAt      time.Time
	ExpiresAt     *time.Time
	RevokedAt     *time.Time
}

// Live reports whether the grant still authorizes reads at the given instant.
func (g *StoredGrant) Live(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}
