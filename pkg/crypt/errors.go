// Package crypt holds the key hierarchy primitives of the vault: nonce counters, key
// identities, symmetric and MAC keys, password and HKDF derivation, typed ciphertexts,
// wrapped keys, the lock gate and envelopes.
package crypt

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyMismatch is returned when ciphertext is presented to a key other than the one that produced it.
	ErrKeyMismatch = errors.New("crypt: key identifier mismatch")

	// ErrSerialization is opaque on purpose: the payload is sensitive and its structure must not
	// end up in logs through an error message.
	ErrSerialization = errors.New("crypt: unable to serialize/deserialize sensitive data")

	// ErrOperationFailed covers AEAD tag failures and any other failure of the underlying cipher.
	ErrOperationFailed = errors.New("crypt: failed cipher operation")

	ErrNonceExhausted   = errors.New("crypt: nonce counter exhausted, key must be rotated")
	ErrIncorrectLength  = errors.New("crypt: incorrect length")
	ErrLocked           = errors.New("crypt: key is locked")
	ErrAlreadyUnlocked  = errors.New("crypt: key is already unlocked")
	ErrSerializeDerived = errors.New("crypt: derived key identifiers must not be serialized")
	ErrKeyAlreadyStored = errors.New("crypt: encrypted key has already been stored")
	ErrInvalidMAC       = errors.New("crypt: message authentication failed")
	ErrDestroyed        = errors.New("crypt: key material has been destroyed")
)

// KeyMismatchError records both identifiers of a failed key check.
type KeyMismatchError struct {
	Expected KeyIdentifier // identifier carried by the ciphertext
	Actual   KeyIdentifier // identifier of the key that was used
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("crypt: key identifier mismatch, expected %s, got %s", e.Expected, e.Actual)
}

func (e *KeyMismatchError) Is(target error) bool {
	return target == ErrKeyMismatch
}

// InvalidKeySizeError is returned when imported key material has the wrong length.
type InvalidKeySizeError struct {
	Expected int
	Actual   int
}

func (e *InvalidKeySizeError) Error() string {
	return fmt.Sprintf("crypt: invalid key length, expected %d, got %d", e.Expected, e.Actual)
}

func (e *InvalidKeySizeError) Is(target error) bool {
	return target == ErrIncorrectLength
}
