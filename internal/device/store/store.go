// Package store implements the device-local encrypted record store: the
// explicit per-device context every operation runs against. It owns the
// sqlite database, the unlocked key material, and the merge application
// path; multiple isolated stores can live in one process, which is how the
// sync tests simulate a fleet of devices.
package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/cryptox"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/delegation"
	"github.com/syncwell/recordsync/internal/device/migrations"
	"github.com/syncwell/recordsync/internal/device/repositories/conflicts"
	"github.com/syncwell/recordsync/internal/device/repositories/grants"
	"github.com/syncwell/recordsync/internal/device/repositories/metadata"
	"github.com/syncwell/recordsync/internal/device/repositories/records"
	"github.com/syncwell/recordsync/internal/logging"
	"github.com/syncwell/recordsync/internal/merge"

	_ "modernc.org/sqlite"
)

// OwnScope is the scope value of the device's own dataset. Records synced
// under a delegation grant are stored under the delegator's scope id instead.
const OwnScope = ""

// Metadata keys for identity and sync bookkeeping.
const (
	metaDeviceID      = "device_id"
	metaUsername      = "username"
	metaSalt          = "kdf_salt"
	metaKDFParams     = "kdf_params"
	metaVerifier      = "verifier"
	metaKeyring       = "keyring"
	metaTransportPriv = "transport_private_key"
	metaTransportPub  = "transport_public_key"
	metaRefreshToken  = "refresh_token"

	cursorKeyPrefix = "cursor:"
)

// Store is the device context. All key material lives only in memory and only
// after Unlock; at rest the database holds sealed payloads and wrapped keys.
type Store struct {
	db        *sql.DB
	records   records.Repository
	grants    grants.Repository
	metadata  metadata.Repository
	conflicts conflicts.Repository
	logger    logging.Logger

	locks *keyedMutex
	hooks *conflictHooks
	now   func() time.Time

	deviceID  string
	username  string
	masterKey []byte
	kdfParams cryptox.Params
	keyring   *cryptox.Keyring
	transport *delegation.KeyPair
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Open opens (creating if necessary) the device database at dsn and applies
// pending schema migrations. The store starts locked.
func Open(ctx context.Context, dsn string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Store{
		db:        db,
		records:   records.NewSQLiteRepository(db),
		grants:    grants.NewSQLiteRepository(db),
		metadata:  metadata.NewSQLiteRepository(db),
		conflicts: conflicts.NewSQLiteRepository(db),
		logger:    logger.With("module", "store"),
		locks:     newKeyedMutex(),
		hooks:     &conflictHooks{},
		now:       time.Now,
	}, nil
}

// Close wipes key material and closes the database.
func (s *Store) Close() error {
	s.lockKeys()
	return s.db.Close()
}

func (s *Store) lockKeys() {
	common.WipeByteArray(s.masterKey)
	s.masterKey = nil
	s.keyring = nil
	if s.transport != nil {
		common.WipeByteArray(s.transport.Private)
		s.transport = nil
	}
}

// Initialized reports whether the database already carries a device identity.
func (s *Store) Initialized(ctx context.Context) (bool, error) {
	id, err := s.metadata.Get(ctx, metaDeviceID)
	if err != nil {
		return false, err
	}
	return len(id) > 0, nil
}

// Initialize sets up a brand new device: a fresh device id, KDF salt, keyring
// and transport key pair, all derived from or wrapped under the master key.
// The store is unlocked afterwards. Fails on an already initialized database.
func (s *Store) Initialize(ctx context.Context, username string, secret []byte) error {
	ok, err := s.Initialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: device already initialized", common.ErrInvalidRequest)
	}

	deviceID := uuid.NewString()
	salt := common.GenerateRandByteArray(16)
	params := cryptox.DefaultParams()
	masterKey := cryptox.DeriveMasterKey(secret, salt, params)
	verifier := cryptox.MakeVerifier(masterKey)

	keyring, err := cryptox.NewKeyring(masterKey)
	if err != nil {
		return fmt.Errorf("keyring init error: %w", err)
	}
	ringBytes, err := keyring.Marshal()
	if err != nil {
		return err
	}
	transport, err := delegation.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("transport key error: %w", err)
	}
	// The transport private key is wrapped under the master key like a DEK.
	wrappedPriv, err := cryptox.WrapKey(masterKey, transport.Private)
	if err != nil {
		return err
	}
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := metadata.NewSQLiteRepository(tx)
		for key, value := range map[string][]byte{
			metaDeviceID:      []byte(deviceID),
			metaUsername:      []byte(username),
			metaSalt:          salt,
			metaKDFParams:     paramBytes,
			metaVerifier:      verifier,
			metaKeyring:       ringBytes,
			metaTransportPriv: wrappedPriv,
			metaTransportPub:  transport.Public,
		} {
			if err := meta.Set(ctx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist device identity: %w", err)
	}

	s.deviceID = deviceID
	s.username = username
	s.masterKey = masterKey
	s.kdfParams = params
	s.keyring = keyring
	s.transport = transport

	s.logger.Info(ctx, "device initialized", "device_id", deviceID)
	return nil
}

// Unlock derives the master key from the secret and verifies it against the
// stored verifier. A wrong secret returns common.ErrorUnauthorized and
// leaves the store locked.
func (s *Store) Unlock(ctx context.Context, secret []byte) error {
	salt, err := s.metadata.Get(ctx, metaSalt)
	if err != nil {
		return err
	}
	if len(salt) == 0 {
		return fmt.Errorf("%w: device not initialized", common.ErrInvalidRequest)
	}
	paramBytes, err := s.metadata.Get(ctx, metaKDFParams)
	if err != nil {
		return err
	}
	var params cryptox.Params
	if err := json.Unmarshal(paramBytes, &params); err != nil {
		return fmt.Errorf("failed to decode kdf params: %w", err)
	}

	masterKey := cryptox.DeriveMasterKey(secret, salt, params)

	verifier, err := s.metadata.Get(ctx, metaVerifier)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(masterKey), verifier) != 1 {
		common.WipeByteArray(masterKey)
		return fmt.Errorf("%w: wrong secret", common.ErrorUnauthorized)
	}

	ringBytes, err := s.metadata.Get(ctx, metaKeyring)
	if err != nil {
		return err
	}
	keyring, err := cryptox.UnmarshalKeyring(ringBytes)
	if err != nil {
		return err
	}

	wrappedPriv, err := s.metadata.Get(ctx, metaTransportPriv)
	if err != nil {
		return err
	}
	priv, err := cryptox.UnwrapKey(masterKey, wrappedPriv)
	if err != nil {
		return fmt.Errorf("failed to unwrap transport key: %w", err)
	}
	pub, err := s.metadata.Get(ctx, metaTransportPub)
	if err != nil {
		return err
	}
	deviceID, err := s.metadata.Get(ctx, metaDeviceID)
	if err != nil {
		return err
	}
	username, err := s.metadata.Get(ctx, metaUsername)
	if err != nil {
		return err
	}

	s.deviceID = string(deviceID)
	s.username = string(username)
	s.masterKey = masterKey
	s.kdfParams = params
	s.keyring = keyring
	s.transport = &delegation.KeyPair{Public: pub, Private: priv}
	return nil
}

func (s *Store) requireUnlocked() error {
	if s.masterKey == nil {
		return fmt.Errorf("%w: store is locked", common.ErrorUnauthorized)
	}
	return nil
}

// DeviceID returns the stable device identifier. Empty until unlocked.
func (s *Store) DeviceID() string { return s.deviceID }

// Username returns the account name the device was initialized with.
func (s *Store) Username() string { return s.username }

// Verifier returns the zero-knowledge login verifier for the unlocked key.
func (s *Store) Verifier() ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return cryptox.MakeVerifier(s.masterKey), nil
}

// Salt returns the stored KDF salt, needed to register with the relay.
func (s *Store) Salt(ctx context.Context) ([]byte, error) {
	return s.metadata.Get(ctx, metaSalt)
}

// RotateDEK generates, wraps and activates a new data key. Old keys stay in
// the ring so historical ciphertexts remain readable. The rotation is queued
// as a pending keyring delta so peer devices learn the new epoch before any
// payload sealed under it. Returns the new key id.
func (s *Store) RotateDEK(ctx context.Context) (string, error) {
	if err := s.requireUnlocked(); err != nil {
		return "", err
	}
	id, err := s.keyring.Rotate(s.masterKey)
	if err != nil {
		return "", err
	}
	vec, err := s.keyringVector(ctx)
	if err != nil {
		return "", err
	}
	if err := s.saveKeyringState(ctx, vec.Increment(s.deviceID), true); err != nil {
		return "", err
	}
	s.logger.Info(ctx, "data key rotated", "key_id", id)
	return id, nil
}

// SaveRefreshToken persists the relay refresh token across agent restarts.
func (s *Store) SaveRefreshToken(ctx context.Context, token string) error {
	return s.metadata.Set(ctx, metaRefreshToken, []byte(token))
}

// RefreshToken returns the persisted relay refresh token, empty when absent.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	b, err := s.metadata.Get(ctx, metaRefreshToken)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OnConflictResolved registers a hook invoked for every concurrent merge the
// engine resolves. Hooks must be fast; they run on the applying goroutine.
func (s *Store) OnConflictResolved(hook func(merge.Conflict)) {
	s.hooks.add(hook)
}
