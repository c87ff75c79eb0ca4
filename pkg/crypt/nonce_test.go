package crypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNonceCounterRequiresFullWidth(t *testing.T) {
	_, err := NewNonceCounter(make([]byte, 12))
	require.ErrorIs(t, err, ErrIncorrectLength)

	_, err = NewNonceCounter(make([]byte, NonceSize+1))
	require.ErrorIs(t, err, ErrIncorrectLength)

	c, err := NewNonceCounter(make([]byte, NonceSize))
	require.NoError(t, err)
	assert.Equal(t, Nonce{}, c.Value())
}

func TestNonceCounterCarries(t *testing.T) {
	start := make([]byte, NonceSize)
	start[0], start[1] = 0xff, 0xff

	c, err := NewNonceCounter(start)
	require.NoError(t, err)
	require.NoError(t, c.Increment())

	var expected Nonce
	expected[2] = 1
	assert.Equal(t, expected, c.Value())
}

func TestNonceCounterExhaustion(t *testing.T) {
	full := bytes.Repeat([]byte{0xff}, NonceSize)
	c, err := NewNonceCounter(full)
	require.NoError(t, err)

	before := c.Value()
	require.ErrorIs(t, c.Increment(), ErrNonceExhausted)
	assert.Equal(t, before, c.Value(), "failed increment must not mutate the counter")

	_, err = c.Next()
	require.ErrorIs(t, err, ErrNonceExhausted)
}

func TestNonceCounterLastStepBeforeExhaustion(t *testing.T) {
	almost := bytes.Repeat([]byte{0xff}, NonceSize)
	almost[0] = 0xfe
	c, err := NewNonceCounter(almost)
	require.NoError(t, err)

	require.NoError(t, c.Increment())
	assert.Equal(t, bytes.Repeat([]byte{0xff}, NonceSize), c.Bytes())
	require.ErrorIs(t, c.Increment(), ErrNonceExhausted)
}

func TestNonceCounterMonotonic(t *testing.T) {
	const n = 1000
	var c NonceCounter
	seen := make(map[Nonce]struct{}, n)
	prev := c

	for i := 0; i < n; i++ {
		seen[c.Value()] = struct{}{}
		require.NoError(t, c.Increment())
		require.Equal(t, 1, c.Compare(prev))
		prev = c
	}
	assert.Len(t, seen, n)

	var expected Nonce
	expected[0] = byte(n & 0xff)
	expected[1] = byte(n >> 8)
	assert.Equal(t, expected, c.Value())
}

func TestNonceCounterNextLeavesReceiver(t *testing.T) {
	var c NonceCounter
	next, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, Nonce{}, c.Value())
	assert.Equal(t, 1, next.Compare(c))
}

func TestNonceCounterMax(t *testing.T) {
	var low, high Nonce
	low[0] = 0xff
	high[NonceSize-1] = 0x01

	a, b := NonceCounterAt(low), NonceCounterAt(high)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, high, a.Max(b).Value())
	assert.Equal(t, high, b.Max(a).Value())
	assert.Equal(t, 0, a.Compare(a))
}
