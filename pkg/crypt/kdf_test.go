package crypt

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cheap Argon2 parameters so the tests stay fast.
var testKDF = KDFParams{Memory: 64, Iterations: 1, Parallelism: 1}

func TestDeriveKeyDeterministic(t *testing.T) {
	ikm := []byte("input keying material")

	a, err := DeriveKey(ikm, "vault_symmetric_key", 32)
	require.NoError(t, err)
	b, err := DeriveKey(ikm, "vault_symmetric_key", 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := DeriveKey(ikm, "vault_hmac_key", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	long, err := DeriveKey(ikm, "vault_symmetric_key", 64)
	require.NoError(t, err)
	assert.Equal(t, a, long[:32], "HKDF output is a prefix-stable stream")
}

func TestDeriveKeyLengthBounds(t *testing.T) {
	_, err := DeriveKey([]byte("ikm"), "label", 0)
	require.ErrorIs(t, err, ErrIncorrectLength)
	_, err = DeriveKey([]byte("ikm"), "label", 255*32+1)
	require.ErrorIs(t, err, ErrIncorrectLength)
}

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.RawStdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, SaltSize)
	assert.NotContains(t, a, "=")
}

func TestHashPassword(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	a, err := HashPassword([]byte("correct-horse"), salt, testKDF)
	require.NoError(t, err)
	assert.Len(t, a, KeySize)

	b, err := HashPassword([]byte("correct-horse"), salt, testKDF)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HashPassword([]byte("wrong"), salt, testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	d, err := HashPassword([]byte("correct-horse"), otherSalt, testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestHashPasswordRejectsBadInput(t *testing.T) {
	_, err := HashPassword([]byte("pw"), "***", testKDF)
	require.Error(t, err)

	_, err = HashPassword([]byte("pw"), base64.RawStdEncoding.EncodeToString([]byte("abc")), testKDF)
	require.ErrorIs(t, err, ErrIncorrectLength)

	salt, err := GenerateSalt()
	require.NoError(t, err)
	_, err = HashPassword([]byte("pw"), salt, KDFParams{})
	require.Error(t, err)
}

func TestKeyFromPasswordUnlocksWhatItSealed(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	kek, err := KeyFromPassword([]byte("correct-horse"), salt, testKDF)
	require.NoError(t, err)
	defer kek.Destroy()
	assert.Equal(t, LocalIdentifier(), kek.ID())

	ct, err := kek.Seal([]byte("master"))
	require.NoError(t, err)

	again, err := KeyFromPassword([]byte("correct-horse"), salt, testKDF)
	require.NoError(t, err)
	defer again.Destroy()
	pt, err := again.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("master"), pt)

	wrong, err := KeyFromPassword([]byte("wrong"), salt, testKDF)
	require.NoError(t, err)
	defer wrong.Destroy()
	_, err = wrong.Open(ct)
	require.ErrorIs(t, err, ErrOperationFailed)
}
