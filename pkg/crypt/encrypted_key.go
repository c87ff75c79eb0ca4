package crypt

import (
	"fmt"
	"sync"
)

// KeyWriter persists a wrapped key and returns the id assigned to it.
type KeyWriter interface {
	StoreKey(blob []byte, nextNonce []byte) (int64, error)
}

// EncryptedKey is one edge of the key hierarchy: a symmetric key sealed under its parent,
// plus the nonce position the wrapped key has reached. Its id is unset until Store succeeds
// and is assigned exactly once.
type EncryptedKey struct {
	mu     sync.Mutex
	id     int64
	stored bool
	data   EncryptedData[SymmetricKey]
	next   NonceCounter
}

// NewEncryptedKey wraps data that has not been persisted yet.
func NewEncryptedKey(data EncryptedData[SymmetricKey], next NonceCounter) *EncryptedKey {
	return &EncryptedKey{data: data, next: next}
}

// LoadEncryptedKey rebuilds a key that was read back from the store under id.
func LoadEncryptedKey(id int64, data EncryptedData[SymmetricKey], next NonceCounter) *EncryptedKey {
	return &EncryptedKey{id: id, stored: true, data: data, next: next}
}

// UnmarshalEncryptedKey decodes a stored blob and nonce position.
func UnmarshalEncryptedKey(id int64, blob, nextNonce []byte) (*EncryptedKey, error) {
	data, err := UnmarshalCiphertext[SymmetricKey](blob)
	if err != nil {
		return nil, err
	}
	next, err := NewNonceCounter(nextNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode next nonce of key %d: %w", id, err)
	}
	return LoadEncryptedKey(id, data, next), nil
}

// WrapKey seals the material of key under parent.
func WrapKey(parent Cipher, key *SymmetricKey) (*EncryptedKey, error) {
	var ct Ciphertext
	err := key.withMaterial(func(b []byte) error {
		var err error
		ct, err = parent.Seal(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return NewEncryptedKey(Typed[SymmetricKey](ct), NonceCounterAt(key.NextNonce())), nil
}

// ID returns the store id and whether one has been assigned.
func (k *EncryptedKey) ID() (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.id, k.stored
}

// Identifier is the identity the unwrapped key carries: the record id once stored,
// a local identifier before that.
func (k *EncryptedKey) Identifier() KeyIdentifier {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.identifier()
}

func (k *EncryptedKey) identifier() KeyIdentifier {
	if k.stored {
		return RecordIdentifier(k.id)
	}
	return LocalIdentifier()
}

// Data returns the wrapped key ciphertext.
func (k *EncryptedKey) Data() EncryptedData[SymmetricKey] {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data
}

// ParentID is the identifier of the key this one is wrapped under.
func (k *EncryptedKey) ParentID() KeyIdentifier {
	return k.Data().KeyID
}

// NextNonce is the counter position the unwrapped key starts from.
func (k *EncryptedKey) NextNonce() NonceCounter {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.next
}

func (k *EncryptedKey) advance(n Nonce) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.next = k.next.Max(NonceCounterAt(n))
}

// MarshalBlob encodes the wrapped key ciphertext for storage.
func (k *EncryptedKey) MarshalBlob() ([]byte, error) {
	return MarshalCiphertext(k.Data())
}

// TryToSymmetricKey opens the wrapped key with parent. The result carries this key's own
// identifier, not the parent's, and resumes at the stored nonce position.
func (k *EncryptedKey) TryToSymmetricKey(parent Cipher) (*SymmetricKey, error) {
	k.mu.Lock()
	data, id, next := k.data, k.identifier(), k.next
	k.mu.Unlock()

	plaintext, err := parent.Open(data.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != KeySize {
		return nil, ErrSerialization
	}
	return newSymmetricKeyAt(plaintext, id, next)
}

// Store persists the key through w and records the assigned id. Storing the same
// EncryptedKey twice is rejected with ErrKeyAlreadyStored.
func (k *EncryptedKey) Store(w KeyWriter) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stored {
		return ErrKeyAlreadyStored
	}

	blob, err := MarshalCiphertext(k.data)
	if err != nil {
		return err
	}
	id, err := w.StoreKey(blob, k.next.Bytes())
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	k.id = id
	k.stored = true
	return nil
}
