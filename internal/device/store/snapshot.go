package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/device/models"
	"github.com/syncwell/recordsync/internal/device/repositories/grants"
	"github.com/syncwell/recordsync/internal/device/repositories/metadata"
	"github.com/syncwell/recordsync/internal/device/repositories/records"
	"github.com/syncwell/recordsync/internal/device/snapshot"
	"github.com/syncwell/recordsync/internal/merge"
	"github.com/syncwell/recordsync/internal/vector"
)

// ExportSnapshot writes the whole store to w: sealed records across all
// scopes, grants, and metadata. Key material leaves only in wrapped form.
func (s *Store) ExportSnapshot(ctx context.Context, w io.Writer) error {
	recs, err := s.records.All(ctx)
	if err != nil {
		return err
	}
	grantRows, err := s.grants.List(ctx)
	if err != nil {
		return err
	}
	meta, err := s.metadata.List(ctx)
	if err != nil {
		return err
	}

	data := &snapshot.Data{
		Version:    snapshot.FormatVersion,
		ExportedAt: s.now().UTC(),
		Metadata:   meta,
	}
	for _, r := range recs {
		data.Records = append(data.Records, snapshot.FromRecord(r))
	}
	for _, g := range grantRows {
		data.Grants = append(data.Grants, snapshot.FromGrant(g))
	}
	return snapshot.Write(w, data)
}

// RestoreSnapshot replaces the entire store with the snapshot contents,
// identity and key material included. For restoring a device from its own
// backup; the store must be re-unlocked afterwards.
func (s *Store) RestoreSnapshot(ctx context.Context, r io.Reader) error {
	data, err := snapshot.Read(r)
	if err != nil {
		return err
	}
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"records", "grants", "metadata", "conflicts"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		recRepo := records.NewSQLiteRepository(tx)
		for i := range data.Records {
			if err := recRepo.Upsert(ctx, data.Records[i].ToRecord()); err != nil {
				return err
			}
		}
		grantRepo := grants.NewSQLiteRepository(tx)
		for i := range data.Grants {
			if err := grantRepo.Save(ctx, data.Grants[i].ToGrant()); err != nil {
				return err
			}
		}
		metaRepo := metadata.NewSQLiteRepository(tx)
		for key, value := range data.Metadata {
			if err := metaRepo.Set(ctx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.lockKeys()
	return nil
}

// IntegrateSnapshot merges the snapshot's records into the current store
// through the regular merge engine, so restoring an old backup can never
// regress newer local state. Grants are upserted; identity metadata and
// cursors are left alone. Requires the unlocked store to share the
// snapshot's account keys.
func (s *Store) IntegrateSnapshot(ctx context.Context, r io.Reader) error {
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	data, err := snapshot.Read(r)
	if err != nil {
		return err
	}
	for i := range data.Grants {
		if err := s.grants.Save(ctx, data.Grants[i].ToGrant()); err != nil {
			return err
		}
	}
	for i := range data.Records {
		if err := s.integrateRecord(ctx, data.Records[i].ToRecord()); err != nil {
			return err
		}
	}
	return nil
}

// integrateRecord runs the merge engine against a snapshot row directly: the
// payload is already at rest in sealed form, so unlike ApplyRemote there is
// no transport authentication step.
func (s *Store) integrateRecord(ctx context.Context, incoming *models.Record) error {
	unlock := s.locks.lock(lockKey(incoming.Scope, incoming.ID))
	defer unlock()

	local, err := s.records.Get(ctx, incoming.Scope, incoming.ID)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return err
	}
	localState := api.RecordState{Vector: vector.New()}
	if local != nil {
		localState = local.State()
	}

	outcome := merge.Resolve(incoming.ID, localState, incoming.State())
	switch outcome.Decision {
	case merge.Unchanged, merge.KeptLocal:
		return nil
	}

	rec := local
	if rec == nil {
		rec = &models.Record{ID: incoming.ID, Scope: incoming.Scope}
	}
	rec.ApplyState(outcome.State)
	// Integrated state has never been acknowledged by the relay under this
	// device's cursor; push it out on the next sync.
	rec.Pending = rec.Scope == OwnScope

	if err := s.records.Upsert(ctx, rec); err != nil {
		return err
	}
	if outcome.Conflict != nil {
		return s.logConflict(ctx, rec.Scope, outcome.Conflict)
	}
	return nil
}
