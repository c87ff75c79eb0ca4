package types

import (
	"fmt"

	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
)

// KeyRecord is one wrapped key row. Blob is the JSON encoded EncryptedData of the key
// material, NextNonce the counter position the unwrapped key must resume from.
type KeyRecord struct {
	ID        int64
	Blob      []byte
	NextNonce []byte
	Checksum  hash.Hash // hash of Blob, recomputed on every blob write
	CreatedAt int64     // Unix timestamp
	UpdatedAt int64
}

// ProfileRecord is the singleton row describing the owner of the store.
type ProfileRecord struct {
	ID          int64
	Name        string
	Salt        string // base64, unpadded
	MasterKeyID int64
	KDF         crypt.KDFParams // parameters the master KEK was derived with
	CreatedAt   int64
	UpdatedAt   int64
}

// VaultRecord references the vault key that protects every item in the vault.
type VaultRecord struct {
	ID        int64
	Name      string
	KeyID     int64
	Tag       []byte // HMAC over name and key id, computed with a master derived MAC key
	CreatedAt int64
	UpdatedAt int64
}

// VaultPreview is what ListVaultPreviews returns.
type VaultPreview struct {
	ID   int64
	Name string
}

// ItemRecord holds both encrypted payloads of an item and the ids of the keys that sealed them.
type ItemRecord struct {
	ID            int64
	VaultID       int64
	Overview      []byte
	OverviewKeyID int64
	Data          []byte
	DataKeyID     int64
	CreatedAt     int64
	UpdatedAt     int64
}

// ItemPreview carries only the overview half of an item.
type ItemPreview struct {
	ID            int64
	VaultID       int64
	Overview      []byte
	OverviewKeyID int64
	UpdatedAt     int64
}

// Preview strips the secret payload from an item.
func (r ItemRecord) Preview() ItemPreview {
	return ItemPreview{
		ID:            r.ID,
		VaultID:       r.VaultID,
		Overview:      r.Overview,
		OverviewKeyID: r.OverviewKeyID,
		UpdatedAt:     r.UpdatedAt,
	}
}

// KeyIDs returns the ids of both keys owned by the item.
func (r ItemRecord) KeyIDs() []int64 {
	return []int64{r.OverviewKeyID, r.DataKeyID}
}

// FormatKeyRecord returns a human-readable summary of a key row without any secret content.
func FormatKeyRecord(r KeyRecord) string {
	output := fmt.Sprintf("Key: %d\n", r.ID)
	output += fmt.Sprintf("Wrapped Size: %s (%d bytes)\n", formatBytes(uint64(len(r.Blob))), len(r.Blob))
	output += fmt.Sprintf("Checksum: %x\n", r.Checksum[:8])
	output += fmt.Sprintf("Next Nonce: %x\n", r.NextNonce)
	return output
}

// formatBytes returns a human-readable byte size
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
