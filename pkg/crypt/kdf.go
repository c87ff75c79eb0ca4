package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the number of random bytes in a generated password salt.
	SaltSize    = 16
	minSaltSize = 8

	maxDerivedLength = 255 * sha256.Size
)

// KDFParams are the Argon2id cost parameters used to turn a password into a KEK.
type KDFParams struct {
	Memory      uint32 `json:"memory"` // KiB
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDFParams matches the Argon2id defaults used by earlier releases of the vault format
// (m=19456 KiB, t=2, p=1).
func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: 19 * 1024, Iterations: 2, Parallelism: 1}
}

func (p KDFParams) IsZero() bool {
	return p == KDFParams{}
}

// Validate rejects parameters Argon2id cannot run with.
func (p KDFParams) Validate() error {
	if p.Memory < 8*uint32(p.Parallelism) || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("invalid argon2 parameters m=%d t=%d p=%d", p.Memory, p.Iterations, p.Parallelism)
	}
	return nil
}

// DeriveKey runs HKDF-SHA256 without salt, using label as the info string.
// Identical inputs always yield identical output.
func DeriveKey(ikm []byte, label string, length int) ([]byte, error) {
	if length <= 0 || length > maxDerivedLength {
		return nil, fmt.Errorf("cannot derive %d bytes: %w", length, ErrIncorrectLength)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return out, nil
}

// GenerateSalt returns SaltSize random bytes in unpadded standard base64.
func GenerateSalt() (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(salt), nil
}

// HashPassword derives KeySize bytes from password with Argon2id. The result is KEK material
// and must never be persisted.
func HashPassword(password []byte, salt string, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(rawSalt) < minSaltSize {
		return nil, fmt.Errorf("salt has %d bytes, need at least %d: %w", len(rawSalt), minSaltSize, ErrIncorrectLength)
	}
	return argon2.IDKey(password, rawSalt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
}

// KeyFromPassword derives a KEK from password and salt. The key carries a local identifier.
func KeyFromPassword(password []byte, salt string, params KDFParams) (*SymmetricKey, error) {
	hashed, err := HashPassword(password, salt, params)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(hashed)
	return NewSymmetricKey(hashed, LocalIdentifier())
}
