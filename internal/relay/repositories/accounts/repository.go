// Package accounts declares the relay-side repository contract for account
// records used by the zero-knowledge login flow.
package accounts

import (
	"context"

	"github.com/syncwell/recordsync/internal/relay/models"
)

type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByUserName(ctx context.Context, userName string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
}
