// Package services contains relay-side business logic. This file implements
// AccountService, which handles registration, login, and issuing/refreshing
// JWTs plus relay-stored refresh tokens.
//
// The relay never sees passphrases: clients register with an argon2id-derived
// verifier and a salt, and authenticate by presenting the same verifier.
package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/auth"
	"github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/models"
	"github.com/syncwell/recordsync/internal/relay/repositories/repomanager"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AccountService provides authentication-related operations:
// - Register: create accounts
// - Login: verify credentials and mint tokens
// - RefreshToken: rotate refresh tokens and mint new access tokens
type AccountService struct {
	db                           *sql.DB
	repomanager                  repomanager.RepositoryManager
	jwtSecret                    []byte
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
}

// NewAccountService constructs an AccountService using repositories and relay config.
func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *AccountService {
	return &AccountService{
		db:                           db,
		repomanager:                  m,
		jwtSecret:                    []byte(cfg.SecretKey),
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
	}
}

// RefreshToken validates a refresh token, rotates it transactionally, and
// returns a fresh TokenPair. Expired tokens yield ErrRefreshTokenExpired.
func (s *AccountService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	repo := s.repomanager.RefreshTokens(s.db)

	token, err := repo.Find(ctx, refreshToken)
	if errors.Is(err, common.ErrorNotFound) {
		// Rotated-away and never-issued tokens are indistinguishable to the
		// caller; both demand a fresh login.
		return nil, fmt.Errorf("unknown refresh token: %w", common.ErrorUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("error searching refresh token: %w", err)
	}
	if token.Expires.Before(time.Now()) {
		return nil, common.ErrRefreshTokenExpired
	}

	var pair *TokenPair
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repoTx := s.repomanager.RefreshTokens(tx)
		if err := repoTx.Delete(ctx, refreshToken); err != nil {
			return fmt.Errorf("error deleting refresh token: %v", err)
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, token.AccountID, tx)
		return genErr
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// Register creates a new account with the given username, salt, and verifier.
func (s *AccountService) Register(ctx context.Context, username string, salt, verifier []byte) (*models.Account, error) {
	account := &models.Account{UserName: username, Salt: salt, Verifier: verifier}
	repo := s.repomanager.Accounts(s.db)
	a, err := repo.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("error creating account: %v", err)
	}
	return a, nil
}

// GetSalt returns the account's stored salt or a random salt if the account is
// absent, to avoid leaking existence through timing.
func (s *AccountService) GetSalt(ctx context.Context, userName string) ([]byte, error) {
	repo := s.repomanager.Accounts(s.db)
	account, err := repo.GetByUserName(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return s.getRandomSalt(), nil
		}
		return nil, common.ErrorInternal
	}
	return account.Salt, nil
}

// Login verifies the provided verifierCandidate against the stored verifier
// and, on success, returns a new TokenPair.
func (s *AccountService) Login(ctx context.Context, userName string, verifierCandidate []byte) (*TokenPair, error) {
	repo := s.repomanager.Accounts(s.db)
	account, err := repo.GetByUserName(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, common.ErrorInternal
	}
	if !s.checkVerifier(account.Verifier, verifierCandidate) {
		return nil, common.ErrorUnauthorized
	}
	return s.generateTokenPair(ctx, account.ID, s.db)
}

// --- helpers below ---

func (s *AccountService) getRandomSalt() []byte { return common.GenerateRandByteArray(32) }

func (s *AccountService) generateAccessToken(accountID string) (string, error) {
	return auth.GenerateToken(accountID, s.jwtSecret, s.accessTokenValidityDuration)
}

func (s *AccountService) generateRefreshToken() (string, error) {
	return common.MakeRandHexString(32)
}

func (s *AccountService) checkVerifier(verifier []byte, candidate []byte) bool {
	return subtle.ConstantTimeCompare(verifier, candidate) == 1
}

func (s *AccountService) generateTokenPair(ctx context.Context, accountID string, tx dbx.DBTX) (*TokenPair, error) {
	access, err := s.generateAccessToken(accountID)
	if err != nil {
		return nil, common.ErrorInternal
	}
	refresh, err := s.generateRefreshToken()
	if err != nil {
		return nil, common.ErrorInternal
	}
	refreshRepo := s.repomanager.RefreshTokens(tx)
	if err := refreshRepo.Create(ctx, accountID, refresh, s.refreshTokenValidityDuration); err != nil {
		return nil, common.ErrorInternal
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
