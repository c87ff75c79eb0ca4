package crypt

import "sync"

// SecureKey gates every use of a key behind a two state lock. Locked holds only the wrapped
// key; Unlocked additionally holds the decrypted key. All transitions and uses happen under a
// single mutex so no intermediate state is ever observable.
type SecureKey struct {
	mu        sync.Mutex
	encrypted *EncryptedKey
	decrypted *SymmetricKey
}

// NewSecureKey returns a locked key.
func NewSecureKey(encrypted *EncryptedKey) *SecureKey {
	return &SecureKey{encrypted: encrypted}
}

// NewUnlockedSecureKey returns an unlocked key, e.g. right after generation. The key takes
// on the identity of its wrapped form.
func NewUnlockedSecureKey(encrypted *EncryptedKey, key *SymmetricKey) *SecureKey {
	key.rebind(encrypted.Identifier())
	return &SecureKey{encrypted: encrypted, decrypted: key}
}

// Unlock opens the wrapped key with parent. Calling Unlock on an unlocked key is an error.
func (s *SecureKey) Unlock(parent Cipher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decrypted != nil {
		return ErrAlreadyUnlocked
	}

	key, err := s.encrypted.TryToSymmetricKey(parent)
	if err != nil {
		return err
	}
	s.decrypted = key
	return nil
}

// Lock wipes the decrypted key. Calling Lock on a locked key is an error. The nonce
// position reached while unlocked is kept so that the next Unlock resumes from it.
func (s *SecureKey) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decrypted == nil {
		return ErrLocked
	}

	s.encrypted.advance(s.decrypted.NextNonce())
	s.decrypted.Destroy()
	s.decrypted = nil
	return nil
}

// AdvanceNonce moves the nonce position forward to n, e.g. to a position another holder of
// the same key already persisted. It never moves it backwards.
func (s *SecureKey) AdvanceNonce(n Nonce) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.encrypted.advance(n)
	if s.decrypted != nil {
		s.decrypted.AdvanceNonce(n)
	}
}

func (s *SecureKey) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrypted == nil
}

// ID is the identifier of the wrapped key.
func (s *SecureKey) ID() KeyIdentifier {
	return s.encrypted.Identifier()
}

// EncryptedKey returns the wrapped form.
func (s *SecureKey) EncryptedKey() *EncryptedKey {
	return s.encrypted
}

func (s *SecureKey) Seal(plaintext []byte) (Ciphertext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypted == nil {
		return Ciphertext{}, ErrLocked
	}
	return s.decrypted.Seal(plaintext)
}

func (s *SecureKey) Open(ct Ciphertext) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypted == nil {
		return nil, ErrLocked
	}
	return s.decrypted.Open(ct)
}

// NextNonce is the nonce the next Seal will use.
func (s *SecureKey) NextNonce() (Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypted == nil {
		return Nonce{}, ErrLocked
	}
	return s.decrypted.NextNonce(), nil
}

// DeriveMacKey derives a MAC key from the decrypted key.
func (s *SecureKey) DeriveMacKey(label string) (*MacKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypted == nil {
		return nil, ErrLocked
	}
	return s.decrypted.DeriveMacKey(label)
}

// Rewrap seals the decrypted key under newParent and returns the new wrapped form. The
// result keeps the identity and nonce position of the current one; s itself is unchanged
// until the caller hands the result to Replace, typically after it has been persisted.
func (s *SecureKey) Rewrap(newParent Cipher) (*EncryptedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decrypted == nil {
		return nil, ErrLocked
	}

	wrapped, err := WrapKey(newParent, s.decrypted)
	if err != nil {
		return nil, err
	}

	s.encrypted.mu.Lock()
	wrapped.id, wrapped.stored = s.encrypted.id, s.encrypted.stored
	wrapped.next = wrapped.next.Max(s.encrypted.next)
	s.encrypted.mu.Unlock()
	return wrapped, nil
}

// Replace swaps the wrapped form for encrypted, which must carry the same identity.
func (s *SecureKey) Replace(encrypted *EncryptedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encrypted.Identifier().Verify(encrypted.Identifier()); err != nil {
		return err
	}
	encrypted.advance(s.encrypted.NextNonce().Value())
	if s.decrypted != nil {
		encrypted.advance(s.decrypted.NextNonce())
	}
	s.encrypted = encrypted
	return nil
}
