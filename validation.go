package ouroborosvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

const (
	RecordKey   = "key"
	RecordVault = "vault"
	RecordItem  = "item"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrDanglingKey      = errors.New("record references a missing key")
)

// ValidationResult captures the outcome of validating a single record.
type ValidationResult struct {
	Kind string // RecordKey, RecordVault or RecordItem
	ID   int64
	Err  error
}

// Passed reports whether the validation succeeded.
func (r ValidationResult) Passed() bool {
	return r.Err == nil
}

func (r ValidationResult) String() string {
	if r.Passed() {
		return fmt.Sprintf("%s %d: ok", r.Kind, r.ID)
	}
	return fmt.Sprintf("%s %d: %v", r.Kind, r.ID, r.Err)
}

// validateKey checks that a key row still matches its checksum, decodes, and that the key
// it is wrapped under exists.
func validateKey(tx Tx, record types.KeyRecord, masterKeyID int64) error {
	computed := hash.HashBytes(record.Blob)
	if computed != record.Checksum {
		return fmt.Errorf("key blob: %w", ErrChecksumMismatch)
	}

	wrapped, err := crypt.UnmarshalEncryptedKey(record.ID, record.Blob, record.NextNonce)
	if err != nil {
		return err
	}

	parent := wrapped.ParentID()
	if parentID, ok := parent.Record(); ok {
		if _, err := tx.FindKey(parentID); err != nil {
			return fmt.Errorf("parent key %d: %w", parentID, ErrDanglingKey)
		}
		return nil
	}
	if parent.Kind() == crypt.KindLocal && record.ID == masterKeyID {
		return nil
	}
	return fmt.Errorf("key is wrapped under %s", parent)
}

func requireKeys(tx Tx, ids ...int64) error {
	for _, id := range ids {
		if _, err := tx.FindKey(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("key %d: %w", id, ErrDanglingKey)
			}
			return err
		}
	}
	return nil
}

// ValidateAll walks every key, vault and item row and reports integrity problems per row.
// When the store is unlocked the vault record MACs are verified as well.
func (s *Store) ValidateAll(ctx context.Context) ([]ValidationResult, error) {
	master, err := s.masterKey(ctx)
	if err != nil {
		return nil, err
	}
	masterKeyID, _ := master.EncryptedKey().ID()
	unlocked := !master.IsLocked()

	var results []ValidationResult
	err = s.repo.View(ctx, func(tx Tx) error {
		keys, err := tx.ListKeys()
		if err != nil {
			return fmt.Errorf("failed to list keys for validation: %w", err)
		}
		for _, record := range keys {
			results = append(results, ValidationResult{
				Kind: RecordKey,
				ID:   record.ID,
				Err:  validateKey(tx, record, masterKeyID),
			})
		}

		vaults, err := tx.ListVaultPreviews()
		if err != nil {
			return fmt.Errorf("failed to list vaults for validation: %w", err)
		}
		for _, preview := range vaults {
			vault, err := tx.FindVault(preview.ID)
			if err != nil {
				return err
			}
			res := ValidationResult{Kind: RecordVault, ID: vault.ID, Err: requireKeys(tx, vault.KeyID)}
			if res.Err == nil && unlocked {
				res.Err = newVaultKey(master, vault).verify()
			}
			results = append(results, res)

			items, err := tx.ListItemPreviews(vault.ID)
			if err != nil {
				return err
			}
			for _, item := range items {
				record, err := tx.FindItem(item.ID)
				if err != nil {
					return err
				}
				results = append(results, ValidationResult{
					Kind: RecordItem,
					ID:   record.ID,
					Err:  requireKeys(tx, record.KeyIDs()...),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if !r.Passed() {
			failed++
		}
	}
	s.log.WithField("records", len(results)).WithField("failed", failed).Debug("Validation finished")
	return results, nil
}
