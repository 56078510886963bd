package services

// Shared test doubles for the service layer. Repositories are faked at the
// interface boundary; *sql.DB is sqlmock so WithTx begin/commit still runs.

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/models"
	accountsrepo "github.com/syncwell/recordsync/internal/relay/repositories/accounts"
	deltasrepo "github.com/syncwell/recordsync/internal/relay/repositories/deltas"
	grantsrepo "github.com/syncwell/recordsync/internal/relay/repositories/grants"
	refreshtokensrepo "github.com/syncwell/recordsync/internal/relay/repositories/refreshtokens"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

type fakeAccountsRepo struct {
	createOut *models.Account
	createErr error

	getOut *models.Account
	getErr error

	getByIDOut *models.Account
	getByIDErr error
}

func (f *fakeAccountsRepo) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createOut, nil
}

func (f *fakeAccountsRepo) GetByUserName(ctx context.Context, userName string) (*models.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getOut, nil
}

func (f *fakeAccountsRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if f.getByIDErr != nil {
		return nil, f.getByIDErr
	}
	return f.getByIDOut, nil
}

type fakeRefreshRepo struct {
	findOut *models.RefreshToken
	findErr error

	delErr error

	createErr error
}

func (f *fakeRefreshRepo) Create(ctx context.Context, accountID string, token string, validity time.Duration) error {
	return f.createErr
}

func (f *fakeRefreshRepo) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.findOut, nil
}

func (f *fakeRefreshRepo) Delete(ctx context.Context, token string) error {
	return f.delErr
}

type fakeDeltasRepo struct {
	appendSeq int64
	appendDup bool
	appendErr error
	appended  []*models.Delta

	selectOut   []*models.Delta
	selectErr   error
	selectScope string
	selectSince int64
	selectLimit int

	maxSeqOut int64
	maxSeqErr error
}

func (f *fakeDeltasRepo) Append(ctx context.Context, delta *models.Delta) (int64, bool, error) {
	if f.appendErr != nil {
		return 0, false, f.appendErr
	}
	f.appended = append(f.appended, delta)
	f.appendSeq++
	return f.appendSeq, f.appendDup, nil
}

func (f *fakeDeltasRepo) SelectSince(ctx context.Context, scope string, since int64, limit int) ([]*models.Delta, error) {
	f.selectScope, f.selectSince, f.selectLimit = scope, since, limit
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.selectOut, nil
}

func (f *fakeDeltasRepo) MaxSeq(ctx context.Context, scope string) (int64, error) {
	if f.maxSeqErr != nil {
		return 0, f.maxSeqErr
	}
	return f.maxSeqOut, nil
}

type fakeGrantsRepo struct {
	createOut *models.Grant
	createErr error
	created   *models.Grant

	byID map[string]*models.Grant

	acceptErr      error
	acceptedKey    []byte
	setKeyErr      error
	storedEnvelope []byte
	revokeErr      error
	revokedID      string

	listIssued   []*models.Grant
	listReceived []*models.Grant
	listErr      error

	liveOut *models.Grant
	liveErr error
}

func (f *fakeGrantsRepo) Create(ctx context.Context, grant *models.Grant) (*models.Grant, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = grant
	if f.createOut != nil {
		return f.createOut, nil
	}
	grant.ID = "grant-new"
	grant.Status = "pending"
	grant.IssuedAt = time.Now()
	return grant, nil
}

func (f *fakeGrantsRepo) GetByID(ctx context.Context, id string) (*models.Grant, error) {
	if g, ok := f.byID[id]; ok {
		return g, nil
	}
	return nil, common.ErrorNotFound
}

func (f *fakeGrantsRepo) ListByDelegator(ctx context.Context, delegatorID string) ([]*models.Grant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listIssued, nil
}

func (f *fakeGrantsRepo) ListByDelegate(ctx context.Context, delegateID string) ([]*models.Grant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listReceived, nil
}

func (f *fakeGrantsRepo) Accept(ctx context.Context, id string, devicePublicKey []byte) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.acceptedKey = devicePublicKey
	return nil
}

func (f *fakeGrantsRepo) SetKeyEnvelope(ctx context.Context, id string, envelope []byte) error {
	if f.setKeyErr != nil {
		return f.setKeyErr
	}
	f.storedEnvelope = envelope
	return nil
}

func (f *fakeGrantsRepo) Revoke(ctx context.Context, id string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revokedID = id
	return nil
}

func (f *fakeGrantsRepo) LiveGrantForScope(ctx context.Context, delegateID, scope string) (*models.Grant, error) {
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	return f.liveOut, nil
}

type fakeRepoManager struct {
	a *fakeAccountsRepo
	r *fakeRefreshRepo
	d *fakeDeltasRepo
	g *fakeGrantsRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Accounts(db dbx.DBTX) accountsrepo.Repository { return m.a }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokensrepo.Repository {
	return m.r
}
func (m *fakeRepoManager) Deltas(db dbx.DBTX) deltasrepo.Repository { return m.d }
func (m *fakeRepoManager) Grants(db dbx.DBTX) grantsrepo.Repository { return m.g }
