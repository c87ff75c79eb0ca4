package crypt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// NonceSize is the XChaCha20-Poly1305 nonce length.
const NonceSize = 24

// Nonce is a single XChaCha20-Poly1305 nonce.
type Nonce [NonceSize]byte

func (n Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawStdEncoding.EncodeToString(n[:]))
}

func (n *Nonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode nonce: %w", err)
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("failed to decode nonce: %w", err)
	}
	if len(raw) != NonceSize {
		return fmt.Errorf("nonce has %d bytes: %w", len(raw), ErrIncorrectLength)
	}
	copy(n[:], raw)
	return nil
}

// NonceCounter is a fixed width counter that hands out one nonce per encryption.
// Byte 0 is the least significant byte. The counter never wraps around: once every
// byte is 0xff, Increment fails with ErrNonceExhausted.
type NonceCounter struct {
	value Nonce
}

// NewNonceCounter creates a counter positioned at value, which must be exactly NonceSize bytes.
func NewNonceCounter(value []byte) (NonceCounter, error) {
	if len(value) != NonceSize {
		return NonceCounter{}, fmt.Errorf("nonce counter needs %d bytes, got %d: %w", NonceSize, len(value), ErrIncorrectLength)
	}
	var c NonceCounter
	copy(c.value[:], value)
	return c, nil
}

// NonceCounterAt creates a counter positioned at n.
func NonceCounterAt(n Nonce) NonceCounter {
	return NonceCounter{value: n}
}

// Value returns the current counter position.
func (c NonceCounter) Value() Nonce {
	return c.value
}

// Bytes returns a copy of the current counter position.
func (c NonceCounter) Bytes() []byte {
	out := make([]byte, NonceSize)
	copy(out, c.value[:])
	return out
}

// Increment advances the counter by one. The counter is left untouched on failure.
func (c *NonceCounter) Increment() error {
	next := c.value
	for i := range next {
		if next[i] != 0xff {
			next[i]++
			c.value = next
			return nil
		}
		next[i] = 0
	}
	return ErrNonceExhausted
}

// Next returns the counter advanced by one without modifying c.
func (c NonceCounter) Next() (NonceCounter, error) {
	if err := c.Increment(); err != nil {
		return NonceCounter{}, err
	}
	return c, nil
}

// Compare orders two counter positions numerically: -1 if c < other, 0 if equal, 1 if c > other.
func (c NonceCounter) Compare(other NonceCounter) int {
	for i := NonceSize - 1; i >= 0; i-- {
		switch {
		case c.value[i] < other.value[i]:
			return -1
		case c.value[i] > other.value[i]:
			return 1
		}
	}
	return 0
}

// Max returns whichever counter is further along.
func (c NonceCounter) Max(other NonceCounter) NonceCounter {
	if c.Compare(other) >= 0 {
		return c
	}
	return other
}
