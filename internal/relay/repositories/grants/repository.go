package grants

import (
	"context"

	"github.com/syncwell/recordsync/internal/relay/models"
)

// Repository manages grant lifecycle rows. A grant moves
// pending -> accepted -> active -> revoked; the relay only bookkeeps the
// transitions, key material inside the envelope stays opaque to it.
type Repository interface {
	Create(ctx context.Context, grant *models.Grant) (*models.Grant, error)
	GetByID(ctx context.Context, id string) (*models.Grant, error)
	ListByDelegator(ctx context.Context, delegatorID string) ([]*models.Grant, error)
	ListByDelegate(ctx context.Context, delegateID string) ([]*models.Grant, error)

	// Accept records the delegate's transport public key and moves the grant
	// from pending to accepted. Only pending grants transition.
	Accept(ctx context.Context, id string, devicePublicKey []byte) error

	// SetKeyEnvelope stores the delegator's sealed key material and activates
	// the grant. Only accepted grants transition.
	SetKeyEnvelope(ctx context.Context, id string, envelope []byte) error

	// Revoke marks the grant revoked. Revocation cascades logically: sub-grants
	// are denied by the liveness check, their rows are left untouched.
	Revoke(ctx context.Context, id string) error

	// LiveGrantForScope returns the delegate's usable grant for a scope:
	// active, not revoked, not expired, and with a live parent if it is a
	// sub-grant. Absence means access is denied.
	LiveGrantForScope(ctx context.Context, delegateID, scope string) (*models.Grant, error)
}
