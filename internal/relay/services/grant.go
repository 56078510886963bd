package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/relay/models"
	"github.com/syncwell/recordsync/internal/relay/repositories/repomanager"
)

// devicePublicKeySize is the X25519 public key length delegates register on
// accept; the relay checks the size and nothing else about it.
const devicePublicKeySize = 32

// GrantService manages the delegation lifecycle at the relay. The relay is a
// coordination point only: it tracks who may read which scope and shuttles
// sealed key envelopes between parties, but can open none of them.
type GrantService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewGrantService(db *sql.DB, m repomanager.RepositoryManager) *GrantService {
	return &GrantService{db: db, repomanager: m}
}

// Create registers a new pending grant. A root grant always covers the
// delegator's own scope. A sub-grant names its parent: the caller must be
// the parent's delegate, the parent must be live and itself a root grant,
// and the child inherits the parent's scope and cannot outlive it.
func (s *GrantService) Create(ctx context.Context, delegatorID string, req *api.CreateGrantRequest) (*api.Grant, error) {
	if req.DelegateID == "" {
		return nil, fmt.Errorf("%w: missing delegate id", common.ErrInvalidRequest)
	}
	if req.DelegateID == delegatorID {
		return nil, fmt.Errorf("%w: cannot delegate to self", common.ErrInvalidRequest)
	}

	accountsRepo := s.repomanager.Accounts(s.db)
	if _, err := accountsRepo.GetByID(ctx, req.DelegateID); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: unknown delegate", common.ErrorNotFound)
		}
		return nil, common.ErrorInternal
	}

	grant := &models.Grant{
		DelegatorID: delegatorID,
		DelegateID:  req.DelegateID,
		Scope:       delegatorID,
		ExpiresAt:   req.ExpiresAt,
	}

	grantsRepo := s.repomanager.Grants(s.db)

	if req.ParentGrantID != "" {
		parent, err := grantsRepo.GetByID(ctx, req.ParentGrantID)
		if err != nil {
			return nil, err
		}
		if parent.DelegateID != delegatorID {
			return nil, common.ErrAuthorizationDenied
		}
		if parent.ParentGrantID != "" {
			return nil, fmt.Errorf("%w: sub-grants cannot be re-delegated", common.ErrInvalidRequest)
		}
		if !grantIsLive(parent) {
			return nil, common.ErrAuthorizationDenied
		}
		grant.ParentGrantID = parent.ID
		grant.Scope = parent.Scope
		if parent.ExpiresAt != nil && (grant.ExpiresAt == nil || grant.ExpiresAt.After(*parent.ExpiresAt)) {
			grant.ExpiresAt = parent.ExpiresAt
		}
	}

	created, err := grantsRepo.Create(ctx, grant)
	if err != nil {
		return nil, fmt.Errorf("error creating grant: %w", err)
	}
	out := toAPIGrant(created)
	return &out, nil
}

// Accept records the delegate's transport public key on a pending grant.
func (s *GrantService) Accept(ctx context.Context, delegateID, grantID string, devicePublicKey []byte) error {
	if len(devicePublicKey) != devicePublicKeySize {
		return fmt.Errorf("%w: device public key must be %d bytes", common.ErrInvalidRequest, devicePublicKeySize)
	}

	repo := s.repomanager.Grants(s.db)
	grant, err := repo.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.DelegateID != delegateID {
		return common.ErrAuthorizationDenied
	}
	if grant.Status != api.GrantStatusPending {
		return fmt.Errorf("%w: grant is %s, not pending", common.ErrInvalidRequest, grant.Status)
	}
	return repo.Accept(ctx, grantID, devicePublicKey)
}

// UploadKey stores the delegator's sealed key material and activates the
// grant. The envelope is opaque to the relay; it is stored as the delegator
// sent it and handed to the delegate verbatim.
func (s *GrantService) UploadKey(ctx context.Context, delegatorID, grantID string, key *api.GrantKey) error {
	if len(key.EphemeralPublic) == 0 || len(key.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty key envelope", common.ErrInvalidRequest)
	}

	repo := s.repomanager.Grants(s.db)
	grant, err := repo.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.DelegatorID != delegatorID {
		return common.ErrAuthorizationDenied
	}
	if grant.Status != api.GrantStatusAccepted {
		return fmt.Errorf("%w: grant is %s, not accepted", common.ErrInvalidRequest, grant.Status)
	}

	envelope, err := json.Marshal(key)
	if err != nil {
		return common.ErrorInternal
	}
	return repo.SetKeyEnvelope(ctx, grantID, envelope)
}

// GetKey hands the sealed key material to the delegate of a live grant.
func (s *GrantService) GetKey(ctx context.Context, delegateID, grantID string) (*api.GrantKey, error) {
	repo := s.repomanager.Grants(s.db)
	grant, err := repo.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.DelegateID != delegateID {
		return nil, common.ErrAuthorizationDenied
	}
	if !grantIsLive(grant) {
		return nil, common.ErrAuthorizationDenied
	}
	if grant.ParentGrantID != "" {
		parent, err := repo.GetByID(ctx, grant.ParentGrantID)
		if err != nil || !grantIsLive(parent) {
			return nil, common.ErrAuthorizationDenied
		}
	}

	key := &api.GrantKey{}
	if err := json.Unmarshal(grant.KeyEnvelope, key); err != nil {
		return nil, common.ErrorInternal
	}
	return key, nil
}

// Revoke kills a grant. The issuing delegator may revoke, and so may the
// scope owner, which lets an owner cut off a sub-delegate their delegate
// invited.
func (s *GrantService) Revoke(ctx context.Context, callerID, grantID string) error {
	repo := s.repomanager.Grants(s.db)
	grant, err := repo.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if callerID != grant.DelegatorID && callerID != grant.Scope {
		return common.ErrAuthorizationDenied
	}
	return repo.Revoke(ctx, grantID)
}

// List returns the caller's grants from both sides of the table.
func (s *GrantService) List(ctx context.Context, accountID string) (*api.ListGrantsResponse, error) {
	repo := s.repomanager.Grants(s.db)

	issued, err := repo.ListByDelegator(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("error listing issued grants: %w", err)
	}
	received, err := repo.ListByDelegate(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("error listing received grants: %w", err)
	}

	resp := &api.ListGrantsResponse{
		Issued:   make([]api.Grant, 0, len(issued)),
		Received: make([]api.Grant, 0, len(received)),
	}
	for _, g := range issued {
		resp.Issued = append(resp.Issued, toAPIGrant(g))
	}
	for _, g := range received {
		resp.Received = append(resp.Received, toAPIGrant(g))
	}
	return resp, nil
}

// grantIsLive reports whether a grant currently authorizes anything: active,
// not revoked, not past its expiry.
func grantIsLive(g *models.Grant) bool {
	if g.Status != api.GrantStatusActive {
		return false
	}
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && g.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}

func toAPIGrant(g *models.Grant) api.Grant {
	return api.Grant{
		ID:              g.ID,
		DelegatorID:     g.DelegatorID,
		DelegateID:      g.DelegateID,
		ParentGrantID:   g.ParentGrantID,
		Scope:           g.Scope,
		Status:          g.Status,
		DevicePublicKey: g.DevicePublicKey,
		IssuedAt:        g.IssuedAt,
		ExpiresAt:       g.ExpiresAt,
		RevokedAt:       g.RevokedAt,
	}
}
