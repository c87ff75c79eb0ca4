package ouroborosvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

const vaultRecordLabel = "vault_record"

// vaultBinding is what the vault record MAC covers.
type vaultBinding struct {
	Name  string `json:"name"`
	KeyID int64  `json:"key_id"`
}

// VaultPreview is a vault as listed, without its key.
type VaultPreview struct {
	ID   int64
	Name string
}

// Vault is a handle on one vault. It stays valid across lock and unlock of the store it came from.
type Vault struct {
	store  *Store
	record types.VaultRecord
	key    *VaultKey
}

func (v *Vault) ID() int64 {
	return v.record.ID
}

func (v *Vault) Name() string {
	return v.record.Name
}

func (v *Vault) CreatedAt() time.Time {
	return time.Unix(v.record.CreatedAt, 0)
}

// VaultKey references the shared master key and the row of the vault's own wrapped key. The
// vault key is unwrapped for each use and never cached, so the master key's lock is held for
// one unwrap at a time.
type VaultKey struct {
	master *crypt.SecureKey
	vault  types.VaultRecord

	mu       sync.Mutex
	verified bool
}

func newVaultKey(master *crypt.SecureKey, vault types.VaultRecord) *VaultKey {
	return &VaultKey{master: master, vault: vault}
}

// ID is the store id of the wrapped vault key.
func (k *VaultKey) ID() int64 {
	return k.vault.KeyID
}

func signVault(master *crypt.SecureKey, name string, keyID int64) ([]byte, error) {
	mac, err := master.DeriveMacKey(vaultRecordLabel)
	if err != nil {
		return nil, lockedError(err)
	}
	defer mac.Destroy()

	signed, err := crypt.Sign(mac, vaultBinding{Name: name, KeyID: keyID})
	if err != nil {
		return nil, err
	}
	return signed.Tag, nil
}

// verify checks the MAC of the vault record once per handle.
func (k *VaultKey) verify() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.verified {
		return nil
	}

	mac, err := k.master.DeriveMacKey(vaultRecordLabel)
	if err != nil {
		return lockedError(err)
	}
	defer mac.Destroy()

	signed := crypt.Signed[vaultBinding]{
		Value: vaultBinding{Name: k.vault.Name, KeyID: k.vault.KeyID},
		Tag:   k.vault.Tag,
	}
	if _, err := signed.Verify(mac); err != nil {
		if errors.Is(err, crypt.ErrInvalidMAC) {
			return fmt.Errorf("vault %d: %w", k.vault.ID, ErrRecordTampered)
		}
		return err
	}
	k.verified = true
	return nil
}

// unwrap reads the vault key row inside tx and opens it with the master key. The key resumes
// at the stored nonce position; a caller that seals with it must persist the new position in
// the same transaction.
func (k *VaultKey) unwrap(tx Tx) (*crypt.SecureKey, error) {
	if err := k.verify(); err != nil {
		return nil, err
	}
	wrapped, err := loadKey(tx, k.vault.KeyID)
	if err != nil {
		return nil, err
	}
	key := crypt.NewSecureKey(wrapped)
	if err := key.Unlock(k.master); err != nil {
		return nil, lockedError(err)
	}
	return key, nil
}

func loadKey(tx Tx, id int64) (*crypt.EncryptedKey, error) {
	record, err := tx.FindKey(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("key %d: %w", id, ErrKeyDoesNotExist)
	}
	if err != nil {
		return nil, err
	}
	return crypt.UnmarshalEncryptedKey(record.ID, record.Blob, record.NextNonce)
}

// CreateVault generates a vault key, wraps it under the master key and stores it together with
// the vault record in one transaction.
func (s *Store) CreateVault(ctx context.Context, name string) (*Vault, error) {
	master, err := s.masterKey(ctx)
	if err != nil {
		return nil, err
	}
	if master.IsLocked() {
		return nil, ErrLocked
	}
	masterID, _ := master.EncryptedKey().ID()

	var record types.VaultRecord
	err = s.repo.Transaction(ctx, func(tx Tx) error {
		if err := syncNonce(tx, masterID, master); err != nil {
			return err
		}
		key := crypt.GenerateSymmetricKey(crypt.LocalIdentifier())
		defer key.Destroy()

		wrapped, err := crypt.WrapKey(master, key)
		if err != nil {
			return fmt.Errorf("failed to wrap vault key: %w", lockedError(err))
		}
		if err := wrapped.Store(tx); err != nil {
			return err
		}
		if err := persistNonce(tx, masterID, master); err != nil {
			return err
		}

		keyID, _ := wrapped.ID()
		tag, err := signVault(master, name, keyID)
		if err != nil {
			return err
		}
		record, err = tx.StoreVault(name, keyID, tag)
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("vault", name).Error("Failed to create vault")
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	s.log.WithField("vault", record.ID).Debug("Successfully created vault")
	key := newVaultKey(master, record)
	key.verified = true
	return &Vault{store: s, record: record, key: key}, nil
}

// ListVaults returns all vaults. Names are not secret, so this works while locked.
func (s *Store) ListVaults(ctx context.Context) ([]VaultPreview, error) {
	var previews []types.VaultPreview
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		previews, err = tx.ListVaultPreviews()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}

	out := make([]VaultPreview, 0, len(previews))
	for _, p := range previews {
		out = append(out, VaultPreview{ID: p.ID, Name: p.Name})
	}
	return out, nil
}

// GetVault returns a handle on the vault with id. The store may be locked; operations on the
// vault need it unlocked.
func (s *Store) GetVault(ctx context.Context, id int64) (*Vault, error) {
	master, err := s.masterKey(ctx)
	if err != nil {
		return nil, err
	}

	var record types.VaultRecord
	err = s.repo.View(ctx, func(tx Tx) error {
		var err error
		record, err = tx.FindVault(id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("vault %d: %w", id, ErrVaultNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &Vault{store: s, record: record, key: newVaultKey(master, record)}, nil
}
