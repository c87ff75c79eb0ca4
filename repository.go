package ouroborosvault

import (
	"context"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

// Tx is the record level view of the database inside one transaction. Lookups of missing rows
// return an error matching storage.ErrNotFound.
type Tx interface {
	crypt.KeyWriter

	FindKey(id int64) (types.KeyRecord, error)
	UpdateKeyBlob(id int64, blob []byte) error
	AdvanceKeyNonce(id int64, nextNonce []byte) error
	DeleteKey(id int64) error
	ListKeys() ([]types.KeyRecord, error)

	StoreProfile(name, salt string, masterKeyID int64, kdf crypt.KDFParams) (types.ProfileRecord, error)
	GetProfile() (types.ProfileRecord, error)
	UpdateProfile(record types.ProfileRecord) error

	StoreVault(name string, keyID int64, tag []byte) (types.VaultRecord, error)
	FindVault(id int64) (types.VaultRecord, error)
	ListVaultPreviews() ([]types.VaultPreview, error)

	StoreItem(vaultID int64, overview []byte, overviewKeyID int64, data []byte, dataKeyID int64) (types.ItemRecord, error)
	FindItem(id int64) (types.ItemRecord, error)
	UpdateItem(record types.ItemRecord) error
	DeleteItem(id int64) error
	ListItemPreviews(vaultID int64) ([]types.ItemPreview, error)
}

// Repository runs functions against the database. Transaction commits when fn returns nil and
// discards every write otherwise, including when ctx is cancelled before commit. fn may be
// called more than once if the transaction conflicts with a concurrent one.
type Repository interface {
	Transaction(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

type badgerRepository struct {
	repo *storage.Repository
}

func (r badgerRepository) Transaction(ctx context.Context, fn func(Tx) error) error {
	return r.repo.Update(ctx, func(txn *storage.Txn) error { return fn(txn) })
}

func (r badgerRepository) View(ctx context.Context, fn func(Tx) error) error {
	return r.repo.View(ctx, func(txn *storage.Txn) error { return fn(txn) })
}

func (r badgerRepository) Close() error {
	return r.repo.Close()
}
