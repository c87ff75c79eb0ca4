package crypt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"
)

// Cipher is anything that can seal and open raw bytes under a single key identity.
// SymmetricKey and SecureKey implement it.
type Cipher interface {
	Seal(plaintext []byte) (Ciphertext, error)
	Open(ct Ciphertext) ([]byte, error)
}

// Bytes serializes as unpadded standard base64.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawStdEncoding.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// Ciphertext is the untyped result of a Seal: AEAD output, the nonce it was sealed under and
// the identifier of the sealing key.
type Ciphertext struct {
	Data  Bytes         `json:"ciphertext"`
	Nonce Nonce         `json:"nonce"`
	KeyID KeyIdentifier `json:"key_id"`
}

// EncryptedData is a Ciphertext that remembers the Go type of its plaintext. The type
// parameter has no runtime representation and is erased when serialized.
type EncryptedData[T any] struct {
	Ciphertext
}

// Erase drops the plaintext type.
func (d EncryptedData[T]) Erase() Ciphertext {
	return d.Ciphertext
}

// Typed attaches a plaintext type to ct.
func Typed[T any](ct Ciphertext) EncryptedData[T] {
	return EncryptedData[T]{Ciphertext: ct}
}

// Encrypt serializes v to JSON and seals it with c.
func Encrypt[T any](c Cipher, v T) (EncryptedData[T], error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return EncryptedData[T]{}, ErrSerialization
	}
	defer memguard.WipeBytes(plaintext)

	ct, err := c.Seal(plaintext)
	if err != nil {
		return EncryptedData[T]{}, err
	}
	return Typed[T](ct), nil
}

// Decrypt opens d with c and deserializes the plaintext.
func Decrypt[T any](c Cipher, d EncryptedData[T]) (T, error) {
	var out T
	plaintext, err := c.Open(d.Ciphertext)
	if err != nil {
		return out, err
	}
	defer memguard.WipeBytes(plaintext)

	if err := json.Unmarshal(plaintext, &out); err != nil {
		var zero T
		return zero, ErrSerialization
	}
	return out, nil
}

// MarshalCiphertext encodes d for storage.
func MarshalCiphertext[T any](d EncryptedData[T]) ([]byte, error) {
	b, err := json.Marshal(d.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ciphertext: %w", err)
	}
	return b, nil
}

// UnmarshalCiphertext decodes a stored ciphertext.
func UnmarshalCiphertext[T any](b []byte) (EncryptedData[T], error) {
	var ct Ciphertext
	if err := json.Unmarshal(b, &ct); err != nil {
		return EncryptedData[T]{}, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	return Typed[T](ct), nil
}
