package models

import "time"

// Grant is delegation metadata. KeyEnvelope is the sealed key material the
// delegator uploaded for the delegate; the relay stores it opaquely and can
// not open it. ParentGrantID is empty for root grants.
type Grant struct {
	ID              string
	DelegatorID     string
	DelegateID      string
	ParentGrantID   string
	Scope           string
	Status          string
	DevicePublicKey []byte
	KeyEnvelope     []byte
	IssuedAt        time.Time
	ExpiresAt       *time.Time
	RevokedAt       *time.Time
}
