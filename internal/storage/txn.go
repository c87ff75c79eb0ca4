package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

const (
	keySequence   = "key"
	vaultSequence = "vault"
	itemSequence  = "item"

	profileID = 1
)

// Txn is a transactional handle on the repository. It is only valid inside the function
// passed to Update or View.
type Txn struct {
	txn      *badger.Txn
	readOnly bool
}

func recordKey(prefix string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix, uint64(id)))
}

func vaultItemKey(vaultID, itemID int64) []byte {
	return []byte(fmt.Sprintf("%s%016x:%016x", VaultItemPrefix, uint64(vaultID), uint64(itemID)))
}

func vaultItemPrefix(vaultID int64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", VaultItemPrefix, uint64(vaultID)))
}

func (t *Txn) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var value []byte
	if err := item.Value(func(val []byte) error {
		value = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read value of %s: %w", key, err)
	}
	return value, nil
}

func (t *Txn) set(key, value []byte) error {
	if t.readOnly {
		return fmt.Errorf("cannot write %s: %w", key, badger.ErrReadOnlyTxn)
	}
	if err := t.txn.Set(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (t *Txn) delete(key []byte) error {
	if t.readOnly {
		return fmt.Errorf("cannot delete %s: %w", key, badger.ErrReadOnlyTxn)
	}
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// nextID advances the named sequence. The counter lives in the transaction, so a rolled back
// insert does not consume an id.
func (t *Txn) nextID(sequence string) (int64, error) {
	key := []byte(SequencePrefix + sequence)
	value, err := t.get(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	next := decodeSequence(value) + 1
	if err := t.set(key, encodeSequence(next)); err != nil {
		return 0, err
	}
	return int64(next), nil
}

func (t *Txn) scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read value of %s: %w", key, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// StoreKey inserts a wrapped key and returns its id.
func (t *Txn) StoreKey(blob, nextNonce []byte) (int64, error) {
	if _, err := crypt.NewNonceCounter(nextNonce); err != nil {
		return 0, err
	}
	id, err := t.nextID(keySequence)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate key id: %w", err)
	}
	now := time.Now().Unix()
	record := types.KeyRecord{
		ID:        id,
		Blob:      blob,
		NextNonce: nextNonce,
		Checksum:  hash.HashBytes(blob),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.set(recordKey(KeyPrefix, id), encodeKey(record)); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Txn) FindKey(id int64) (types.KeyRecord, error) {
	value, err := t.get(recordKey(KeyPrefix, id))
	if err != nil {
		return types.KeyRecord{}, fmt.Errorf("key %d: %w", id, err)
	}
	return decodeKey(value)
}

// UpdateKeyBlob replaces the wrapped form of a key, e.g. after re-wrapping it under a new parent.
func (t *Txn) UpdateKeyBlob(id int64, blob []byte) error {
	record, err := t.FindKey(id)
	if err != nil {
		return err
	}
	record.Blob = blob
	record.Checksum = hash.HashBytes(blob)
	record.UpdatedAt = time.Now().Unix()
	return t.set(recordKey(KeyPrefix, id), encodeKey(record))
}

// AdvanceKeyNonce moves the stored nonce position of a key forward. A position behind the
// stored one is ignored, so the counter never moves backwards.
func (t *Txn) AdvanceKeyNonce(id int64, nextNonce []byte) error {
	next, err := crypt.NewNonceCounter(nextNonce)
	if err != nil {
		return err
	}
	record, err := t.FindKey(id)
	if err != nil {
		return err
	}
	stored, err := crypt.NewNonceCounter(record.NextNonce)
	if err != nil {
		return fmt.Errorf("key %d has a corrupt nonce position: %w", id, err)
	}
	if next.Compare(stored) <= 0 {
		return nil
	}
	record.NextNonce = next.Bytes()
	record.UpdatedAt = time.Now().Unix()
	return t.set(recordKey(KeyPrefix, id), encodeKey(record))
}

func (t *Txn) DeleteKey(id int64) error {
	if _, err := t.FindKey(id); err != nil {
		return err
	}
	return t.delete(recordKey(KeyPrefix, id))
}

func (t *Txn) ListKeys() ([]types.KeyRecord, error) {
	var keys []types.KeyRecord
	err := t.scan([]byte(KeyPrefix), func(_, value []byte) error {
		record, err := decodeKey(value)
		if err != nil {
			return err
		}
		keys = append(keys, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// StoreProfile inserts the singleton profile. There can only ever be one.
func (t *Txn) StoreProfile(name, salt string, masterKeyID int64, kdf crypt.KDFParams) (types.ProfileRecord, error) {
	if _, err := t.get([]byte(ProfileKey)); err == nil {
		return types.ProfileRecord{}, fmt.Errorf("profile: %w", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return types.ProfileRecord{}, err
	}
	if _, err := t.FindKey(masterKeyID); err != nil {
		return types.ProfileRecord{}, fmt.Errorf("master key of profile: %w", err)
	}

	now := time.Now().Unix()
	record := types.ProfileRecord{
		ID:          profileID,
		Name:        name,
		Salt:        salt,
		MasterKeyID: masterKeyID,
		KDF:         kdf,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.set([]byte(ProfileKey), encodeProfile(record)); err != nil {
		return types.ProfileRecord{}, err
	}
	return record, nil
}

func (t *Txn) GetProfile() (types.ProfileRecord, error) {
	value, err := t.get([]byte(ProfileKey))
	if err != nil {
		return types.ProfileRecord{}, fmt.Errorf("profile: %w", err)
	}
	return decodeProfile(value)
}

func (t *Txn) UpdateProfile(record types.ProfileRecord) error {
	if _, err := t.GetProfile(); err != nil {
		return err
	}
	record.ID = profileID
	record.UpdatedAt = time.Now().Unix()
	return t.set([]byte(ProfileKey), encodeProfile(record))
}

func (t *Txn) StoreVault(name string, keyID int64, tag []byte) (types.VaultRecord, error) {
	if _, err := t.FindKey(keyID); err != nil {
		return types.VaultRecord{}, fmt.Errorf("key of vault %q: %w", name, err)
	}
	id, err := t.nextID(vaultSequence)
	if err != nil {
		return types.VaultRecord{}, fmt.Errorf("failed to allocate vault id: %w", err)
	}

	now := time.Now().Unix()
	record := types.VaultRecord{
		ID:        id,
		Name:      name,
		KeyID:     keyID,
		Tag:       tag,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.set(recordKey(VaultPrefix, id), encodeVault(record)); err != nil {
		return types.VaultRecord{}, err
	}
	return record, nil
}

func (t *Txn) FindVault(id int64) (types.VaultRecord, error) {
	value, err := t.get(recordKey(VaultPrefix, id))
	if err != nil {
		return types.VaultRecord{}, fmt.Errorf("vault %d: %w", id, err)
	}
	return decodeVault(value)
}

func (t *Txn) ListVaultPreviews() ([]types.VaultPreview, error) {
	var previews []types.VaultPreview
	err := t.scan([]byte(VaultPrefix), func(_, value []byte) error {
		record, err := decodeVault(value)
		if err != nil {
			return err
		}
		previews = append(previews, types.VaultPreview{ID: record.ID, Name: record.Name})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previews, nil
}

func (t *Txn) StoreItem(vaultID int64, overview []byte, overviewKeyID int64, data []byte, dataKeyID int64) (types.ItemRecord, error) {
	if _, err := t.FindVault(vaultID); err != nil {
		return types.ItemRecord{}, err
	}
	for _, keyID := range []int64{overviewKeyID, dataKeyID} {
		if _, err := t.FindKey(keyID); err != nil {
			return types.ItemRecord{}, fmt.Errorf("key of item: %w", err)
		}
	}
	id, err := t.nextID(itemSequence)
	if err != nil {
		return types.ItemRecord{}, fmt.Errorf("failed to allocate item id: %w", err)
	}

	now := time.Now().Unix()
	record := types.ItemRecord{
		ID:            id,
		VaultID:       vaultID,
		Overview:      overview,
		OverviewKeyID: overviewKeyID,
		Data:          data,
		DataKeyID:     dataKeyID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.set(recordKey(ItemPrefix, id), encodeItem(record)); err != nil {
		return types.ItemRecord{}, err
	}
	if err := t.set(vaultItemKey(vaultID, id), []byte{}); err != nil {
		return types.ItemRecord{}, fmt.Errorf("failed to index item %d: %w", id, err)
	}
	return record, nil
}

func (t *Txn) FindItem(id int64) (types.ItemRecord, error) {
	value, err := t.get(recordKey(ItemPrefix, id))
	if err != nil {
		return types.ItemRecord{}, fmt.Errorf("item %d: %w", id, err)
	}
	return decodeItem(value)
}

// UpdateItem replaces the payloads of an item. The vault and keys of an item never change.
func (t *Txn) UpdateItem(record types.ItemRecord) error {
	current, err := t.FindItem(record.ID)
	if err != nil {
		return err
	}
	if current.VaultID != record.VaultID || current.OverviewKeyID != record.OverviewKeyID || current.DataKeyID != record.DataKeyID {
		return fmt.Errorf("item %d cannot change its vault or keys", record.ID)
	}
	record.CreatedAt = current.CreatedAt
	record.UpdatedAt = time.Now().Unix()
	return t.set(recordKey(ItemPrefix, record.ID), encodeItem(record))
}

// DeleteItem removes the item row and its vault index entry. The item keys are left to the caller.
func (t *Txn) DeleteItem(id int64) error {
	record, err := t.FindItem(id)
	if err != nil {
		return err
	}
	if err := t.delete(vaultItemKey(record.VaultID, id)); err != nil {
		return err
	}
	return t.delete(recordKey(ItemPrefix, id))
}

func (t *Txn) ListItemPreviews(vaultID int64) ([]types.ItemPreview, error) {
	if _, err := t.FindVault(vaultID); err != nil {
		return nil, err
	}

	prefix := vaultItemPrefix(vaultID)
	var ids []int64
	err := t.scan(prefix, func(key, _ []byte) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), string(prefix)), 16, 64)
		if err != nil {
			return fmt.Errorf("corrupt item index key %s: %w", key, err)
		}
		ids = append(ids, int64(id))
		return nil
	})
	if err != nil {
		return nil, err
	}

	previews := make([]types.ItemPreview, 0, len(ids))
	for _, id := range ids {
		record, err := t.FindItem(id)
		if err != nil {
			return nil, err
		}
		previews = append(previews, record.Preview())
	}
	return previews, nil
}
