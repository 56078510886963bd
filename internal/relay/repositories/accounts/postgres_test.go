package accounts

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/relay/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+accounts\s*\(username,\s*salt,\s*master_key_verifier\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*RETURNING\s+id\s*$`

	rows := sqlmock.NewRows([]string{"id"}).AddRow("acct-1")
	mock.ExpectQuery(q).
		WithArgs("alice", []byte("salt"), []byte("verifier")).
		WillReturnRows(rows)

	a := &models.Account{UserName: "alice", Salt: []byte("salt"), Verifier: []byte("verifier")}
	got, err := repo.Create(context.Background(), a)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != "acct-1" || got.UserName != "alice" {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+accounts\s*\(username,\s*salt,\s*master_key_verifier\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*RETURNING\s+id\s*$`

	mock.ExpectQuery(q).
		WithArgs("alice", []byte("salt"), []byte("verifier")).
		WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.Account{UserName: "alice", Salt: []byte("salt"), Verifier: []byte("verifier")})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetByUserName_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*username,\s*master_key_verifier,\s*salt\s+FROM\s+accounts\s+WHERE\s+username\s*=\s*\$1\s*$`

	rows := sqlmock.NewRows([]string{"id", "username", "master_key_verifier", "salt"}).
		AddRow("acct-1", "alice", []byte("ver"), []byte("salt"))
	mock.ExpectQuery(q).
		WithArgs("alice").
		WillReturnRows(rows)

	got, err := repo.GetByUserName(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetByUserName error: %v", err)
	}
	if got.ID != "acct-1" || got.UserName != "alice" {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestGetByUserName_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*username,\s*master_key_verifier,\s*salt\s+FROM\s+accounts\s+WHERE\s+username\s*=\s*\$1\s*$`

	mock.ExpectQuery(q).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByUserName(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGetByID_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*username,\s*master_key_verifier,\s*salt\s+FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1\s*$`

	rows := sqlmock.NewRows([]string{"id", "username", "master_key_verifier", "salt"}).
		AddRow("acct-1", "alice", []byte("ver"), []byte("salt"))
	mock.ExpectQuery(q).
		WithArgs("acct-1").
		WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.UserName != "alice" {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+id,\s*username,\s*master_key_verifier,\s*salt\s+FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1\s*$`

	mock.ExpectQuery(q).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "nope")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}
