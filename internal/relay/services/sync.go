package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/models"
	"github.com/syncwell/recordsync/internal/relay/repositories/grants"
	"github.com/syncwell/recordsync/internal/relay/repositories/repomanager"
	"github.com/syncwell/recordsync/internal/vector"
)

// SyncService moves deltas through the relay. The relay is a passive log:
// it never merges and never opens payloads, it only appends, dedups, and
// serves ordered pages back.
type SyncService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	pullPageLimit int
}

func NewSyncService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *SyncService {
	return &SyncService{db: db, repomanager: m, pullPageLimit: cfg.PullPageLimit}
}

// Push stores a batch of deltas. The scope is always the caller's own account:
// delegates hold read-only grants and have no way to write into a scope they
// do not own. Deltas are judged one by one; a malformed delta is reported in
// its result and does not fail the batch.
func (s *SyncService) Push(ctx context.Context, accountID string, deltas []api.Delta) (*api.PushResponse, error) {
	repo := s.repomanager.Deltas(s.db)
	resp := &api.PushResponse{Results: make([]api.PushResult, 0, len(deltas))}

	for i := range deltas {
		d := &deltas[i]
		result := api.PushResult{RecordID: d.RecordID}

		if err := d.Validate(); err != nil {
			result.Error = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}
		// Offloaded payloads travel through blob storage, never inline.
		if d.BlobKey != "" && len(d.Ciphertext) > 0 {
			result.Error = fmt.Sprintf("%v: blob-offloaded delta carries inline ciphertext", common.ErrInvalidDelta)
			resp.Results = append(resp.Results, result)
			continue
		}

		encoded, err := vector.Encode(d.Vector)
		if err != nil {
			result.Error = fmt.Sprintf("%v: bad version vector", common.ErrInvalidDelta)
			resp.Results = append(resp.Results, result)
			continue
		}

		row := &models.Delta{
			Scope:         accountID,
			RecordID:      d.RecordID,
			VersionVector: encoded,
			Ciphertext:    d.Ciphertext,
			Nonce:         d.Nonce,
			KeyID:         d.KeyID,
			BlobKey:       d.BlobKey,
			Tombstone:     d.Tombstone,
			UpdatedAt:     d.UpdatedAt,
			OriginDevice:  d.OriginDevice,
		}

		seq, duplicate, err := repo.Append(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("error storing delta: %w", err)
		}

		result.Accepted = true
		result.Duplicate = duplicate
		result.Seq = seq
		if seq > resp.MaxSeq {
			resp.MaxSeq = seq
		}
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

// Pull returns deltas in a scope past the caller's cursor, oldest first.
// Reading one's own scope needs no grant; any other scope requires a live
// grant or the pull is denied.
func (s *SyncService) Pull(ctx context.Context, accountID string, req *api.PullRequest) (*api.PullResponse, error) {
	scope := req.Scope
	if scope == "" {
		scope = accountID
	}
	if err := s.AuthorizeRead(ctx, accountID, scope); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > s.pullPageLimit {
		limit = s.pullPageLimit
	}

	rows, err := s.repomanager.Deltas(s.db).SelectSince(ctx, scope, req.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("error selecting deltas: %w", err)
	}

	resp := &api.PullResponse{NextCursor: req.Since}
	for _, row := range rows {
		vec, err := vector.Decode(row.VersionVector)
		if err != nil {
			return nil, fmt.Errorf("stored delta %d has unreadable vector: %w", row.Seq, err)
		}
		resp.Deltas = append(resp.Deltas, api.Delta{
			RecordID:     row.RecordID,
			Scope:        row.Scope,
			Vector:       vec,
			Ciphertext:   row.Ciphertext,
			Nonce:        row.Nonce,
			KeyID:        row.KeyID,
			BlobKey:      row.BlobKey,
			Tombstone:    row.Tombstone,
			UpdatedAt:    row.UpdatedAt,
			OriginDevice: row.OriginDevice,
			Seq:          row.Seq,
		})
		resp.NextCursor = row.Seq
	}
	return resp, nil
}

// MaxSeq reports the newest cursor in a scope, for subscribers that want to
// skip history and follow the tail.
func (s *SyncService) MaxSeq(ctx context.Context, accountID, scope string) (int64, error) {
	if scope == "" {
		scope = accountID
	}
	if err := s.AuthorizeRead(ctx, accountID, scope); err != nil {
		return 0, err
	}
	return s.repomanager.Deltas(s.db).MaxSeq(ctx, scope)
}

// AuthorizeRead allows the scope owner unconditionally and delegates only
// while they hold a live grant. Liveness is checked per call, so revocation
// cuts access on the next request.
func (s *SyncService) AuthorizeRead(ctx context.Context, accountID, scope string) error {
	return authorizeScopeRead(ctx, s.repomanager.Grants(s.db), accountID, scope)
}

func authorizeScopeRead(ctx context.Context, repo grants.Repository, accountID, scope string) error {
	if scope == accountID {
		return nil
	}
	_, err := repo.LiveGrantForScope(ctx, accountID, scope)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrAuthorizationDenied
		}
		return common.ErrorInternal
	}
	return nil
}
