// Package metadata is the device's key-value store for identity and sync
// bookkeeping: device id, account name, KDF salt and parameters, the wrapped
// keyring, the transport key pair and per-scope pull cursors.
package metadata

import "context"

type Repository interface {
	// Get returns the stored value, or nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
}
