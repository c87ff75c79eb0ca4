package crypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of symmetric and MAC keys.
const KeySize = chacha20poly1305.KeySize

// Purpose suffixes appended to derivation labels so a label can never produce the same
// material for two different key types.
const (
	SymmetricKeySuffix = "_symmetric_key"
	MacKeySuffix       = "_hmac_key"
)

// material holds key bytes in a locked, guarded buffer that is wiped on Destroy.
type material struct {
	buf *memguard.LockedBuffer
}

func newMaterial(b []byte, size int) (material, error) {
	if len(b) != size {
		return material{}, &InvalidKeySizeError{Expected: size, Actual: len(b)}
	}
	// NewBufferFromBytes wipes b.
	return material{buf: memguard.NewBufferFromBytes(b)}, nil
}

func randomMaterial(size int) material {
	return material{buf: memguard.NewBufferRandom(size)}
}

func (m material) alive() bool {
	return m.buf != nil && m.buf.IsAlive()
}

func (m material) destroy() {
	if m.buf != nil {
		m.buf.Destroy()
	}
}

// SymmetricKey is an XChaCha20-Poly1305 key with its own nonce counter.
type SymmetricKey struct {
	mu      sync.Mutex
	key     material
	id      KeyIdentifier
	counter NonceCounter
}

// GenerateSymmetricKey creates a random key from the system CSPRNG.
func GenerateSymmetricKey(id KeyIdentifier) *SymmetricKey {
	return &SymmetricKey{key: randomMaterial(KeySize), id: id}
}

// NewSymmetricKey imports key material. The slice is wiped once it has been copied into
// protected memory.
func NewSymmetricKey(b []byte, id KeyIdentifier) (*SymmetricKey, error) {
	return newSymmetricKeyAt(b, id, NonceCounter{})
}

func newSymmetricKeyAt(b []byte, id KeyIdentifier, counter NonceCounter) (*SymmetricKey, error) {
	m, err := newMaterial(b, KeySize)
	if err != nil {
		memguard.WipeBytes(b)
		return nil, err
	}
	return &SymmetricKey{key: m, id: id, counter: counter}, nil
}

func (k *SymmetricKey) ID() KeyIdentifier {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.id
}

// NextNonce is the nonce the next Seal will use.
func (k *SymmetricKey) NextNonce() Nonce {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counter.Value()
}

// AdvanceNonce moves the counter forward to n. It never moves it backwards.
func (k *SymmetricKey) AdvanceNonce(n Nonce) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.counter = k.counter.Max(NonceCounterAt(n))
}

func (k *SymmetricKey) rebind(id KeyIdentifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.id = id
}

func (k *SymmetricKey) associatedData() []byte {
	return []byte(k.id.String())
}

// Seal encrypts plaintext under the next nonce. The counter only advances when the
// encryption succeeded.
func (k *SymmetricKey) Seal(plaintext []byte) (Ciphertext, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.key.alive() {
		return Ciphertext{}, ErrDestroyed
	}

	next, err := k.counter.Next()
	if err != nil {
		return Ciphertext{}, err
	}

	aead, err := chacha20poly1305.NewX(k.key.buf.Bytes())
	if err != nil {
		return Ciphertext{}, ErrOperationFailed
	}

	nonce := k.counter.Value()
	data := aead.Seal(nil, nonce[:], plaintext, k.associatedData())
	k.counter = next

	return Ciphertext{Data: data, Nonce: nonce, KeyID: k.id}, nil
}

// Open verifies that ct was produced under this key and decrypts it.
func (k *SymmetricKey) Open(ct Ciphertext) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := ct.KeyID.Verify(k.id); err != nil {
		return nil, err
	}
	if !k.key.alive() {
		return nil, ErrDestroyed
	}

	aead, err := chacha20poly1305.NewX(k.key.buf.Bytes())
	if err != nil {
		return nil, ErrOperationFailed
	}

	plaintext, err := aead.Open(nil, ct.Nonce[:], ct.Data, k.associatedData())
	if err != nil {
		return nil, ErrOperationFailed
	}
	return plaintext, nil
}

// DeriveSymmetricKey derives a purpose-bound sub-key. Derivation is deterministic, so the
// derived key starts at nonce zero every time; callers that encrypt with the same derived key
// across derivations must carry the counter forward with AdvanceNonce.
func (k *SymmetricKey) DeriveSymmetricKey(label string) (*SymmetricKey, error) {
	info := label + SymmetricKeySuffix
	var derived []byte
	err := k.withMaterial(func(b []byte) error {
		var err error
		derived, err = DeriveKey(b, info, KeySize)
		return err
	})
	if err != nil {
		return nil, err
	}
	parent := k.ID()
	return NewSymmetricKey(derived, DerivedIdentifier(info, &parent))
}

// DeriveMacKey derives an HMAC-SHA256 key bound to label.
func (k *SymmetricKey) DeriveMacKey(label string) (*MacKey, error) {
	info := label + MacKeySuffix
	var derived []byte
	err := k.withMaterial(func(b []byte) error {
		var err error
		derived, err = DeriveKey(b, info, KeySize)
		return err
	})
	if err != nil {
		return nil, err
	}
	parent := k.ID()
	return NewMacKey(derived, DerivedIdentifier(info, &parent))
}

func (k *SymmetricKey) withMaterial(fn func([]byte) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.key.alive() {
		return ErrDestroyed
	}
	return fn(k.key.buf.Bytes())
}

// Destroy wipes the key material. The key is unusable afterwards.
func (k *SymmetricKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key.destroy()
}

// MacKey computes and verifies HMAC-SHA256 tags.
type MacKey struct {
	mu  sync.RWMutex
	key material
	id  KeyIdentifier
}

func GenerateMacKey(id KeyIdentifier) *MacKey {
	return &MacKey{key: randomMaterial(KeySize), id: id}
}

// NewMacKey imports key material and wipes b.
func NewMacKey(b []byte, id KeyIdentifier) (*MacKey, error) {
	m, err := newMaterial(b, KeySize)
	if err != nil {
		memguard.WipeBytes(b)
		return nil, err
	}
	return &MacKey{key: m, id: id}, nil
}

func (k *MacKey) ID() KeyIdentifier { return k.id }

// Compute returns the tag for data.
func (k *MacKey) Compute(data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.key.alive() {
		return nil, ErrDestroyed
	}
	mac := hmac.New(sha256.New, k.key.buf.Bytes())
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks tag against data in constant time.
func (k *MacKey) Verify(data, tag []byte) error {
	expected, err := k.Compute(data)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, tag) {
		return ErrInvalidMAC
	}
	return nil
}

func (k *MacKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key.destroy()
}
