package ouroborosvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

const exportVersion = 1

// ExportBundle is a self-contained backup: every vault and item, sealed in an envelope whose
// KEK is derived from a passphrase chosen at export time.
type ExportBundle struct {
	Version  int                             `json:"version"`
	Salt     string                          `json:"salt"`
	KDF      crypt.KDFParams                 `json:"kdf"`
	Envelope crypt.Envelope[ExportedProfile] `json:"envelope"`
}

type ExportedProfile struct {
	Name   string          `json:"name"`
	Vaults []ExportedVault `json:"vaults"`
}

type ExportedVault struct {
	Name  string         `json:"name"`
	Items []ExportedItem `json:"items"`
}

type ExportedItem struct {
	Overview ItemOverview `json:"overview"`
	Data     ItemData     `json:"data"`
}

// Export decrypts the whole store and seals it under passphrase. The store must be unlocked.
func (s *Store) Export(ctx context.Context, passphrase []byte) ([]byte, error) {
	s.mu.Lock()
	profile, master, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if master.IsLocked() {
		return nil, ErrLocked
	}

	exported := ExportedProfile{Name: profile.Name}
	err = s.repo.View(ctx, func(tx Tx) error {
		previews, err := tx.ListVaultPreviews()
		if err != nil {
			return err
		}
		for _, preview := range previews {
			record, err := tx.FindVault(preview.ID)
			if err != nil {
				return err
			}
			vault := &Vault{store: s, record: record, key: newVaultKey(master, record)}
			vaultKey, err := vault.key.unwrap(tx)
			if err != nil {
				return err
			}

			out := ExportedVault{Name: record.Name, Items: []ExportedItem{}}
			items, err := tx.ListItemPreviews(record.ID)
			if err != nil {
				_ = vaultKey.Lock()
				return err
			}
			for _, p := range items {
				itemRecord, err := tx.FindItem(p.ID)
				if err != nil {
					_ = vaultKey.Lock()
					return err
				}
				item, err := vault.decryptItem(tx, vaultKey, itemRecord)
				if err != nil {
					_ = vaultKey.Lock()
					return err
				}
				out.Items = append(out.Items, ExportedItem{Overview: item.Overview(), Data: item.Data()})
			}
			_ = vaultKey.Lock()
			exported.Vaults = append(exported.Vaults, out)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	salt, err := crypt.GenerateSalt()
	if err != nil {
		return nil, err
	}
	kek, err := crypt.KeyFromPassword(passphrase, salt, s.config.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive export key: %w", err)
	}
	defer kek.Destroy()

	envelope, err := crypt.SealEnvelope(kek, exported)
	if err != nil {
		return nil, fmt.Errorf("failed to seal export: %w", err)
	}

	bundle, err := json.Marshal(ExportBundle{
		Version:  exportVersion,
		Salt:     salt,
		KDF:      s.config.KDF,
		Envelope: envelope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}

	s.log.WithField("vaults", len(exported.Vaults)).Debug("Successfully exported store")
	return bundle, nil
}

// OpenExport decrypts a bundle produced by Export.
func OpenExport(bundle []byte, passphrase []byte) (ExportedProfile, error) {
	var b ExportBundle
	if err := json.Unmarshal(bundle, &b); err != nil {
		return ExportedProfile{}, fmt.Errorf("failed to decode export: %w", err)
	}
	if b.Version != exportVersion {
		return ExportedProfile{}, fmt.Errorf("unsupported export version %d", b.Version)
	}

	kek, err := crypt.KeyFromPassword(passphrase, b.Salt, b.KDF)
	if err != nil {
		return ExportedProfile{}, fmt.Errorf("failed to derive export key: %w", err)
	}
	defer kek.Destroy()

	profile, err := b.Envelope.Open(kek)
	if err != nil {
		if errors.Is(err, crypt.ErrOperationFailed) || errors.Is(err, crypt.ErrKeyMismatch) {
			return ExportedProfile{}, ErrIncorrectPassword
		}
		return ExportedProfile{}, err
	}
	return profile, nil
}
