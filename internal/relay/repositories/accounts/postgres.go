package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/dbx"
	"github.com/syncwell/recordsync/internal/relay/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {

	query :=
		`INSERT INTO accounts (username, salt, master_key_verifier)
         VALUES ($1, $2, $3)
		 RETURNING id
		 `

	err := r.db.QueryRowContext(ctx, query,
		account.UserName, account.Salt, account.Verifier).Scan(&account.ID)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

func (r *PostgresRepository) GetByUserName(ctx context.Context, userName string) (*models.Account, error) {
	query :=
		`SELECT id, username, master_key_verifier, salt FROM accounts
		 WHERE username = $1
		 `

	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, userName).Scan(&account.ID, &account.UserName, &account.Verifier, &account.Salt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query :=
		`SELECT id, username, master_key_verifier, salt FROM accounts
		 WHERE id = $1
		 `

	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.UserName, &account.Verifier, &account.Salt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}
