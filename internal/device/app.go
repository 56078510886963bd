// Package device wires the device side together: the encrypted local store,
// the relay client and the background sync agent. The relay only ever sees
// sealed payloads; every key stays on this side of the wire.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/device/config"
	"github.com/syncwell/recordsync/internal/device/relayclient"
	"github.com/syncwell/recordsync/internal/device/store"
	"github.com/syncwell/recordsync/internal/device/sync"
	"github.com/syncwell/recordsync/internal/logging"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

// PassphraseEnv names the environment variable consulted before prompting,
// so the agent can run headless under a supervisor.
const PassphraseEnv = "SYNC_PASSPHRASE"

type App struct {
	config *config.Config
	logger logging.Logger
	store  *store.Store
	client *relayclient.Client
}

func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	return &App{
		config: cfg,
		logger: logger,
		store:  st,
		client: relayclient.New(cfg.RelayEndpoint, logger),
	}, nil
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func getPassphrase() ([]byte, error) {
	if v := os.Getenv(PassphraseEnv); v != "" {
		return []byte(v), nil
	}
	if _, err := fmt.Fprint(os.Stderr, "Enter passphrase: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", common.ErrInvalidRequest)
	}
	return pw, nil
}

// unlock opens the local store with the passphrase, initializing a brand new
// device (and registering its account on the relay) on first run.
func (a *App) unlock(ctx context.Context) error {
	secret, err := getPassphrase()
	if err != nil {
		return err
	}

	initialized, err := a.store.Initialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return a.store.Unlock(ctx, secret)
	}

	if a.config.Username == "" {
		return fmt.Errorf("%w: username required to initialize a new device", common.ErrInvalidRequest)
	}
	if err := a.store.Initialize(ctx, a.config.Username, secret); err != nil {
		return err
	}
	return a.register(ctx)
}

func (a *App) register(ctx context.Context) error {
	salt, err := a.store.Salt(ctx)
	if err != nil {
		return err
	}
	verifier, err := a.store.Verifier()
	if err != nil {
		return err
	}
	err = a.client.Register(ctx, a.store.Username(), salt, verifier)
	if errors.Is(err, common.ErrInvalidRequest) {
		// The account exists with a different salt, so the verifier derived
		// here can never match. A second device joins the account by
		// restoring a snapshot exported from an enrolled one.
		return fmt.Errorf("account %q is already registered; restore a snapshot from an enrolled device instead of initializing: %w",
			a.store.Username(), err)
	}
	return err
}

// login establishes the relay session, preferring the persisted refresh token
// over a fresh verifier login. Rotated tokens are written back to the store.
func (a *App) login(ctx context.Context) error {
	a.client.OnTokenRefresh(func(pair api.TokenPair) {
		if err := a.store.SaveRefreshToken(context.Background(), pair.RefreshToken); err != nil {
			a.logger.Warn(ctx, "failed to persist refresh token", "error", err)
		}
	})

	refresh, err := a.store.RefreshToken(ctx)
	if err != nil {
		return err
	}
	if refresh != "" {
		a.client.SetTokens("", refresh)
		err := a.client.Refresh(ctx)
		if err == nil {
			return nil
		}
		// A persisted token the relay no longer knows (rotated away before
		// the new one was saved) surfaces as not-found from older relays.
		if !errors.Is(err, common.ErrorUnauthorized) && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		a.logger.Warn(ctx, "persisted refresh token rejected, logging in with verifier")
	}

	verifier, err := a.store.Verifier()
	if err != nil {
		return err
	}
	return a.client.Login(ctx, a.store.Username(), verifier)
}

// Run unlocks the store, logs in to the relay and drives the sync agent
// until the context is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.initSignalHandler(cancelFunc)

	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Error(ctx, "store close error", "error", err)
		}
	}()

	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.login(ctx); err != nil {
		return err
	}

	agent := sync.NewAgent(a.store, sync.WrapRelay(a.client), a.logger, sync.Options{
		Interval:  a.config.SyncInterval,
		PullLimit: a.config.PullLimit,
		Subscribe: a.config.Subscribe,
	})

	a.logger.Info(ctx, "starting sync agent",
		"relay", a.config.RelayEndpoint, "device_id", a.store.DeviceID())

	return agent.Run(ctx)
}
