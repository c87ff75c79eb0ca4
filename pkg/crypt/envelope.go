package crypt

import (
	"encoding/json"
	"fmt"
)

// Envelope seals a payload under a fresh data-encryption key and seals that key under a
// key-encryption key. It is created once by SealEnvelope and read with Open; changing the
// payload means sealing a new envelope.
type Envelope[T any] struct {
	Data EncryptedData[T]            `json:"data"`
	DEK  EncryptedData[SymmetricKey] `json:"dek"`
}

// SealEnvelope encrypts v under a new random DEK and wraps the DEK under kek.
func SealEnvelope[T any](kek Cipher, v T) (Envelope[T], error) {
	dek := GenerateSymmetricKey(LocalIdentifier())
	defer dek.Destroy()

	data, err := Encrypt(dek, v)
	if err != nil {
		return Envelope[T]{}, err
	}
	wrapped, err := WrapKey(kek, dek)
	if err != nil {
		return Envelope[T]{}, err
	}
	return Envelope[T]{Data: data, DEK: wrapped.Data()}, nil
}

// Open unwraps the DEK with kek and decrypts the payload.
func (e Envelope[T]) Open(kek Cipher) (T, error) {
	var zero T
	dek, err := NewEncryptedKey(e.DEK, NonceCounter{}).TryToSymmetricKey(kek)
	if err != nil {
		return zero, err
	}
	defer dek.Destroy()
	return Decrypt(dek, e.Data)
}

// Signed pairs a value with an HMAC tag over its JSON encoding.
type Signed[T any] struct {
	Value T     `json:"value"`
	Tag   Bytes `json:"tag"`
}

// Sign computes the tag for v with key.
func Sign[T any](key *MacKey, v T) (Signed[T], error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return Signed[T]{}, ErrSerialization
	}
	tag, err := key.Compute(encoded)
	if err != nil {
		return Signed[T]{}, err
	}
	return Signed[T]{Value: v, Tag: tag}, nil
}

// Verify returns the value if the tag matches.
func (s Signed[T]) Verify(key *MacKey) (T, error) {
	var zero T
	encoded, err := json.Marshal(s.Value)
	if err != nil {
		return zero, ErrSerialization
	}
	if err := key.Verify(encoded, s.Tag); err != nil {
		return zero, fmt.Errorf("signed value rejected: %w", err)
	}
	return s.Value, nil
}
