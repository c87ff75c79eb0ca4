package ouroborosvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/sirupsen/logrus"
)

// ItemOverview is the part of an item shown in listings. It is sealed under its own key.
type ItemOverview struct {
	Name string `json:"name"`
	Site string `json:"site"`
}

// ItemData is the secret part of an item, sealed under a second independent key.
type ItemData struct {
	Secret string `json:"secret"`
}

// ItemPreview is a listed item. Only its overview key was opened to produce it.
type ItemPreview struct {
	id        int64
	overview  ItemOverview
	updatedAt time.Time
}

func (p ItemPreview) ID() int64              { return p.id }
func (p ItemPreview) Overview() ItemOverview { return p.overview }
func (p ItemPreview) UpdatedAt() time.Time   { return p.updatedAt }

// Item is a fully decrypted item.
type Item struct {
	id        int64
	vaultID   int64
	overview  ItemOverview
	data      ItemData
	createdAt time.Time
	updatedAt time.Time
}

func (i *Item) ID() int64              { return i.id }
func (i *Item) VaultID() int64         { return i.vaultID }
func (i *Item) Overview() ItemOverview { return i.overview }
func (i *Item) Data() ItemData         { return i.data }
func (i *Item) CreatedAt() time.Time   { return i.createdAt }
func (i *Item) UpdatedAt() time.Time   { return i.updatedAt }

// sealPayload encrypts v under key and persists the advanced nonce of key in tx.
func sealPayload[T any](tx Tx, keyID int64, key *crypt.SecureKey, v T) ([]byte, error) {
	enc, err := crypt.Encrypt(key, v)
	if err != nil {
		return nil, lockedError(err)
	}
	if err := persistNonce(tx, keyID, key); err != nil {
		return nil, err
	}
	return crypt.MarshalCiphertext(enc)
}

// sealWithNewKey generates a key, stores it wrapped under parent and seals v with it.
func sealWithNewKey[T any](tx Tx, parent *crypt.SecureKey, v T) (int64, []byte, error) {
	key := crypt.GenerateSymmetricKey(crypt.LocalIdentifier())
	wrapped, err := crypt.WrapKey(parent, key)
	if err != nil {
		key.Destroy()
		return 0, nil, fmt.Errorf("failed to wrap item key: %w", lockedError(err))
	}
	if err := wrapped.Store(tx); err != nil {
		key.Destroy()
		return 0, nil, err
	}

	sealing := crypt.NewUnlockedSecureKey(wrapped, key)
	defer sealing.Lock()

	id, _ := wrapped.ID()
	blob, err := sealPayload(tx, id, sealing, v)
	if err != nil {
		return 0, nil, err
	}
	return id, blob, nil
}

// openKey unwraps the stored key id under parent.
func openKey(tx Tx, parent *crypt.SecureKey, id int64) (*crypt.SecureKey, error) {
	wrapped, err := loadKey(tx, id)
	if err != nil {
		return nil, err
	}
	key := crypt.NewSecureKey(wrapped)
	if err := key.Unlock(parent); err != nil {
		return nil, err
	}
	return key, nil
}

func openPayload[T any](tx Tx, parent *crypt.SecureKey, keyID int64, blob []byte) (T, error) {
	var zero T
	key, err := openKey(tx, parent, keyID)
	if err != nil {
		return zero, err
	}
	defer key.Lock()

	enc, err := crypt.UnmarshalCiphertext[T](blob)
	if err != nil {
		return zero, err
	}
	return crypt.Decrypt(key, enc)
}

// findItem loads an item row and makes sure it belongs to v.
func (v *Vault) findItem(tx Tx, id int64) (types.ItemRecord, error) {
	record, err := tx.FindItem(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && record.VaultID != v.ID()) {
		return types.ItemRecord{}, fmt.Errorf("item %d in vault %d: %w", id, v.ID(), ErrItemNotFound)
	}
	return record, err
}

func (v *Vault) decryptItem(tx Tx, vaultKey *crypt.SecureKey, record types.ItemRecord) (*Item, error) {
	overview, err := openPayload[ItemOverview](tx, vaultKey, record.OverviewKeyID, record.Overview)
	if err != nil {
		return nil, fmt.Errorf("failed to open overview of item %d: %w", record.ID, err)
	}
	data, err := openPayload[ItemData](tx, vaultKey, record.DataKeyID, record.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to open data of item %d: %w", record.ID, err)
	}
	return &Item{
		id:        record.ID,
		vaultID:   record.VaultID,
		overview:  overview,
		data:      data,
		createdAt: time.Unix(record.CreatedAt, 0),
		updatedAt: time.Unix(record.UpdatedAt, 0),
	}, nil
}

// CreateItem seals overview and data under two new keys wrapped by the vault key. Both key
// rows and the item row are written in one transaction.
func (v *Vault) CreateItem(ctx context.Context, overview ItemOverview, data ItemData) (*Item, error) {
	var item *Item
	err := v.store.repo.Transaction(ctx, func(tx Tx) error {
		vaultKey, err := v.key.unwrap(tx)
		if err != nil {
			return err
		}
		defer vaultKey.Lock()

		overviewKeyID, overviewBlob, err := sealWithNewKey(tx, vaultKey, overview)
		if err != nil {
			return err
		}
		dataKeyID, dataBlob, err := sealWithNewKey(tx, vaultKey, data)
		if err != nil {
			return err
		}
		if err := persistNonce(tx, v.key.ID(), vaultKey); err != nil {
			return err
		}

		record, err := tx.StoreItem(v.ID(), overviewBlob, overviewKeyID, dataBlob, dataKeyID)
		if err != nil {
			return err
		}
		item = &Item{
			id:        record.ID,
			vaultID:   record.VaultID,
			overview:  overview,
			data:      data,
			createdAt: time.Unix(record.CreatedAt, 0),
			updatedAt: time.Unix(record.UpdatedAt, 0),
		}
		return nil
	})
	if err != nil {
		v.store.log.WithError(err).WithField("vault", v.ID()).Error("Failed to create item")
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	v.store.log.WithFields(logrus.Fields{"vault": v.ID(), "item": item.id}).Debug("Successfully created item")
	return item, nil
}

// ListItems decrypts the overview of every item in the vault. Data keys are never opened.
func (v *Vault) ListItems(ctx context.Context) ([]ItemPreview, error) {
	var out []ItemPreview
	err := v.store.repo.View(ctx, func(tx Tx) error {
		previews, err := tx.ListItemPreviews(v.ID())
		if err != nil {
			return err
		}
		if len(previews) == 0 {
			return nil
		}

		vaultKey, err := v.key.unwrap(tx)
		if err != nil {
			return err
		}
		defer vaultKey.Lock()

		out = make([]ItemPreview, 0, len(previews))
		for _, p := range previews {
			overview, err := openPayload[ItemOverview](tx, vaultKey, p.OverviewKeyID, p.Overview)
			if err != nil {
				return fmt.Errorf("failed to open overview of item %d: %w", p.ID, err)
			}
			out = append(out, ItemPreview{id: p.ID, overview: overview, updatedAt: time.Unix(p.UpdatedAt, 0)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return out, nil
}

// GetItem decrypts both halves of an item.
func (v *Vault) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item *Item
	err := v.store.repo.View(ctx, func(tx Tx) error {
		record, err := v.findItem(tx, id)
		if err != nil {
			return err
		}
		vaultKey, err := v.key.unwrap(tx)
		if err != nil {
			return err
		}
		defer vaultKey.Lock()

		item, err = v.decryptItem(tx, vaultKey, record)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem re-seals both halves of an item under their existing keys. The nonce positions
// of both keys move forward in the same transaction as the new ciphertexts.
func (v *Vault) UpdateItem(ctx context.Context, id int64, overview ItemOverview, data ItemData) (*Item, error) {
	var item *Item
	err := v.store.repo.Transaction(ctx, func(tx Tx) error {
		record, err := v.findItem(tx, id)
		if err != nil {
			return err
		}
		vaultKey, err := v.key.unwrap(tx)
		if err != nil {
			return err
		}
		defer vaultKey.Lock()

		reseal := func(keyID int64, seal func(*crypt.SecureKey) ([]byte, error)) ([]byte, error) {
			key, err := openKey(tx, vaultKey, keyID)
			if err != nil {
				return nil, err
			}
			defer key.Lock()
			return seal(key)
		}

		record.Overview, err = reseal(record.OverviewKeyID, func(key *crypt.SecureKey) ([]byte, error) {
			return sealPayload(tx, record.OverviewKeyID, key, overview)
		})
		if err != nil {
			return err
		}
		record.Data, err = reseal(record.DataKeyID, func(key *crypt.SecureKey) ([]byte, error) {
			return sealPayload(tx, record.DataKeyID, key, data)
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateItem(record); err != nil {
			return err
		}

		item = &Item{
			id:        record.ID,
			vaultID:   record.VaultID,
			overview:  overview,
			data:      data,
			createdAt: time.Unix(record.CreatedAt, 0),
			updatedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		v.store.log.WithError(err).WithField("item", id).Error("Failed to update item")
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	v.store.log.WithField("item", id).Debug("Successfully updated item")
	return item, nil
}

// DeleteItem removes the item row and both of its key rows in one transaction.
func (v *Vault) DeleteItem(ctx context.Context, id int64) error {
	if v.key.master.IsLocked() {
		return ErrLocked
	}

	err := v.store.repo.Transaction(ctx, func(tx Tx) error {
		record, err := v.findItem(tx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteItem(id); err != nil {
			return err
		}
		for _, keyID := range record.KeyIDs() {
			if err := tx.DeleteKey(keyID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	v.store.log.WithField("item", id).Debug("Successfully deleted item")
	return nil
}
