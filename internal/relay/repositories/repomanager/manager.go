package repomanager

import (
	"context"
	"database/sql"

	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/repositories/accounts"
	"github.com/syncwell/recordsync/internal/relay/repositories/deltas"
	"github.com/syncwell/recordsync/internal/relay/repositories/grants"
	"github.com/syncwell/recordsync/internal/relay/repositories/refreshtokens"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Deltas(db dbx.DBTX) deltas.Repository
	Grants(db dbx.DBTX) grants.Repository
}
