// Package common defines shared constants and sentinel errors used across
// device and relay layers of RecordSync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrAuthorizationDenied means the caller holds no live grant for the
	// requested scope (missing, expired, or revoked). Surfaced to the caller
	// and never retried.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrPayloadTampered means an AEAD open failed its authentication tag.
	// The delta is dropped and logged; retrying an identical payload cannot help.
	ErrPayloadTampered = errors.New("payload corrupt or tampered")

	// ErrTransportUnavailable means the relay could not be reached. Fully
	// recoverable: local state stays authoritative and the operation is
	// retried with backoff.
	ErrTransportUnavailable = errors.New("relay unavailable")

	// ErrKeyDerivation means a derivation input (identity, scope, key size)
	// was malformed. Fatal to the specific operation only.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrInvalidDelta marks a sync delta lacking a valid version vector or
	// ciphertext. Rejected at the wire boundary.
	ErrInvalidDelta = errors.New("invalid sync delta")

	// ErrInvalidRequest marks a structurally valid call that the current
	// state forbids, e.g. accepting a grant twice or uploading key material
	// before the delegate accepted.
	ErrInvalidRequest = errors.New("invalid request")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
