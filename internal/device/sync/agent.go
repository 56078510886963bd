// Package sync drives the background reconciliation between the device store
// and the relay: pushing pending local deltas, pulling and merging remote
// ones for the own scope and every granted scope, and optionally following
// the relay's live subscribe stream.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/merge"
)

// Store is the slice of the device store the agent needs.
type Store interface {
	DeviceID() string
	PendingDeltas(ctx context.Context) ([]api.Delta, error)
	MarkSynced(ctx context.Context, d api.Delta) error
	ApplyRemote(ctx context.Context, scope string, d api.Delta) (merge.Decision, error)
	SharedScopes(ctx context.Context) ([]string, error)
	MarkScopeRevoked(ctx context.Context, scope string) error
	Cursor(ctx context.Context, scope string) (int64, error)
	SetCursor(ctx context.Context, scope string, seq int64) error
}

// Stream is a live delta feed for one scope.
type Stream interface {
	Next() (api.Delta, error)
	Close() error
}

// Relay is the slice of the relay client the agent needs.
type Relay interface {
	Push(ctx context.Context, deltas []api.Delta) (*api.PushResponse, error)
	Pull(ctx context.Context, req *api.PullRequest) (*api.PullResponse, error)
	BlobUploadURL(ctx context.Context) (string, string, error)
	BlobDownloadURL(ctx context.Context, blobKey string) (string, error)
	UploadBlob(ctx context.Context, url string, data []byte) error
	DownloadBlob(ctx context.Context, url string) ([]byte, error)
	Subscribe(ctx context.Context, scope string, since int64) (Stream, error)
}

// Options tune the agent loops. Zero values get sensible defaults.
type Options struct {
	// Interval between full push+pull rounds.
	Interval time.Duration
	// PullLimit caps deltas per pull page.
	PullLimit int
	// Subscribe keeps a live websocket on the own scope between rounds.
	Subscribe bool
	// RetryBase is the initial transport backoff delay.
	RetryBase time.Duration
	// MaxRetryWait bounds the transport backoff.
	MaxRetryWait time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.PullLimit <= 0 {
		out.PullLimit = 100
	}
	if out.RetryBase <= 0 {
		out.RetryBase = time.Second
	}
	if out.MaxRetryWait <= 0 {
		out.MaxRetryWait = 2 * time.Minute
	}
	return out
}

// Agent owns the sync loops for one device.
type Agent struct {
	store  Store
	relay  Relay
	logger logging.Logger
	opts   Options
}

func NewAgent(store Store, relay Relay, logger logging.Logger, opts Options) *Agent {
	return &Agent{
		store:  store,
		relay:  relay,
		logger: logger.With("module", "sync"),
		opts:   opts.withDefaults(),
	}
}

// Run blocks until ctx is cancelled, reconciling on every interval tick. With
// Subscribe enabled a websocket follower runs alongside the periodic rounds,
// so own-scope deltas land without waiting for the next tick.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(a.opts.Interval)
		defer ticker.Stop()
		for {
			if err := a.SyncOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn(ctx, "sync round failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if a.opts.Subscribe {
		g.Go(func() error {
			a.followOwnScope(ctx)
			return nil
		})
	}

	return g.Wait()
}

// SyncOnce runs one full round: push pending deltas, then pull the own scope
// and every scope a live grant exposes. A revoked grant drops its scope from
// the round; transport failures are retried with backoff inside the round.
func (a *Agent) SyncOnce(ctx context.Context) error {
	if err := a.pushOnce(ctx); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := a.pullScope(ctx, ""); err != nil {
		return fmt.Errorf("pull own scope: %w", err)
	}
	scopes, err := a.store.SharedScopes(ctx)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if err := a.pullScope(ctx, scope); err != nil {
			if errors.Is(err, common.ErrAuthorizationDenied) {
				if err := a.store.MarkScopeRevoked(ctx, scope); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("pull scope %s: %w", scope, err)
		}
	}
	return nil
}

// withBackoff retries fn while it fails with ErrTransportUnavailable, backing
// off exponentially up to the configured cap. Any other error is permanent.
func (a *Agent) withBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(5, retry.WithCappedDuration(a.opts.MaxRetryWait, retry.NewExponential(a.opts.RetryBase)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, common.ErrTransportUnavailable) {
			a.logger.Debug(ctx, "relay unavailable, backing off", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (a *Agent) pushOnce(ctx context.Context) error {
	deltas, err := a.store.PendingDeltas(ctx)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	for i := range deltas {
		if len(deltas[i].Ciphertext) > api.MaxInlineCiphertext {
			if err := a.offload(ctx, &deltas[i]); err != nil {
				return err
			}
		}
	}

	var resp *api.PushResponse
	err = a.withBackoff(ctx, func(ctx context.Context) error {
		var perr error
		resp, perr = a.relay.Push(ctx, deltas)
		return perr
	})
	if err != nil {
		return err
	}

	for i, result := range resp.Results {
		switch {
		case result.Accepted:
			if err := a.store.MarkSynced(ctx, deltas[i]); err != nil {
				return err
			}
			if result.Duplicate {
				a.logger.Debug(ctx, "delta already known to relay", "record_id", result.RecordID)
			}
		default:
			a.logger.Warn(ctx, "relay rejected delta",
				"record_id", result.RecordID, "reason", result.Error)
		}
	}
	a.logger.Info(ctx, "pushed pending deltas", "count", len(deltas), "max_seq", resp.MaxSeq)
	return nil
}

// offload moves an oversized sealed payload into blob storage and rewrites
// the delta to reference it.
func (a *Agent) offload(ctx context.Context, d *api.Delta) error {
	var key, url string
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		var berr error
		key, url, berr = a.relay.BlobUploadURL(ctx)
		return berr
	})
	if err != nil {
		return err
	}
	err = a.withBackoff(ctx, func(ctx context.Context) error {
		return a.relay.UploadBlob(ctx, url, d.Ciphertext)
	})
	if err != nil {
		return err
	}
	a.logger.Debug(ctx, "payload offloaded to blob storage",
		"record_id", d.RecordID, "blob_key", key, "bytes", len(d.Ciphertext))
	d.BlobKey = key
	d.Ciphertext = nil
	return nil
}

func (a *Agent) pullScope(ctx context.Context, scope string) error {
	cursor, err := a.store.Cursor(ctx, scope)
	if err != nil {
		return err
	}
	for {
		var resp *api.PullResponse
		err := a.withBackoff(ctx, func(ctx context.Context) error {
			var perr error
			resp, perr = a.relay.Pull(ctx, &api.PullRequest{
				Scope: scope,
				Since: cursor,
				Limit: a.opts.PullLimit,
			})
			return perr
		})
		if err != nil {
			return err
		}
		if len(resp.Deltas) == 0 {
			return nil
		}
		for i := range resp.Deltas {
			if err := a.applyOne(ctx, scope, resp.Deltas[i]); err != nil {
				return err
			}
		}
		cursor = resp.NextCursor
		if err := a.store.SetCursor(ctx, scope, cursor); err != nil {
			return err
		}
		if len(resp.Deltas) < a.opts.PullLimit {
			return nil
		}
	}
}

// applyOne resolves a blob-offloaded payload and feeds the delta through the
// merge engine. A tampered payload is logged and skipped, never applied: the
// cursor still advances so one poisoned delta cannot wedge the stream.
func (a *Agent) applyOne(ctx context.Context, scope string, d api.Delta) error {
	if d.OriginDevice == a.store.DeviceID() {
		// our own delta echoing back
		return nil
	}
	if d.BlobKey != "" && len(d.Ciphertext) == 0 {
		if err := a.resolveBlob(ctx, &d); err != nil {
			return err
		}
	}
	decision, err := a.store.ApplyRemote(ctx, scope, d)
	if err != nil {
		if errors.Is(err, common.ErrPayloadTampered) {
			a.logger.Error(ctx, "dropping tampered delta",
				"record_id", d.RecordID, "scope", scope, "origin", d.OriginDevice, "seq", d.Seq)
			return nil
		}
		// A key epoch this device has not learned yet (keyring delta still in
		// flight, or a grant awaiting reissue). Skip rather than wedge the
		// scope; the record converges on its next edit.
		if errors.Is(err, common.ErrorNotFound) {
			a.logger.Warn(ctx, "delta sealed under unknown key epoch, skipping",
				"record_id", d.RecordID, "scope", scope, "key_id", d.KeyID, "seq", d.Seq)
			return nil
		}
		return err
	}
	a.logger.Debug(ctx, "applied remote delta",
		"record_id", d.RecordID, "scope", scope, "decision", decision.String(), "seq", d.Seq)
	return nil
}

func (a *Agent) resolveBlob(ctx context.Context, d *api.Delta) error {
	var url string
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		var berr error
		url, berr = a.relay.BlobDownloadURL(ctx, d.BlobKey)
		return berr
	})
	if err != nil {
		return err
	}
	var data []byte
	err = a.withBackoff(ctx, func(ctx context.Context) error {
		var berr error
		data, berr = a.relay.DownloadBlob(ctx, url)
		return berr
	})
	if err != nil {
		return err
	}
	d.Ciphertext = data
	return nil
}

// followOwnScope keeps a subscribe stream open on the own scope, reconnecting
// with backoff. Every received delta is applied and the cursor advanced, so a
// reconnect resumes where the stream broke.
func (a *Agent) followOwnScope(ctx context.Context) {
	wait := time.Second
	for ctx.Err() == nil {
		err := a.followOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn(ctx, "subscribe stream ended", "error", err, "reconnect_in", wait.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait < a.opts.MaxRetryWait {
			wait *= 2
		}
	}
}

func (a *Agent) followOnce(ctx context.Context) error {
	cursor, err := a.store.Cursor(ctx, "")
	if err != nil {
		return err
	}
	stream, err := a.relay.Subscribe(ctx, "", cursor)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	a.logger.Info(ctx, "subscribed to live deltas", "since", cursor)

	for {
		d, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := a.applyOne(ctx, "", d); err != nil {
			return err
		}
		if d.Seq > 0 {
			if err := a.store.SetCursor(ctx, "", d.Seq); err != nil {
				return err
			}
		}
	}
}
