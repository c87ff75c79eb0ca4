package crypt

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIdentifierEquality(t *testing.T) {
	assert.Equal(t, LocalIdentifier(), LocalIdentifier())
	assert.Equal(t, RecordIdentifier(4), RecordIdentifier(4))
	assert.NotEqual(t, RecordIdentifier(4), RecordIdentifier(5))
	assert.NotEqual(t, NewUUIDIdentifier(), NewUUIDIdentifier())

	parentA, parentB := RecordIdentifier(1), RecordIdentifier(2)
	assert.NotEqual(t,
		DerivedIdentifier("vault_hmac_key", &parentA),
		DerivedIdentifier("vault_hmac_key", &parentB))
	assert.Equal(t,
		DerivedIdentifier("vault_hmac_key", &parentA),
		DerivedIdentifier("vault_hmac_key", &parentA))
}

func TestKeyIdentifierVerify(t *testing.T) {
	require.NoError(t, RecordIdentifier(3).Verify(RecordIdentifier(3)))

	err := RecordIdentifier(3).Verify(LocalIdentifier())
	require.ErrorIs(t, err, ErrKeyMismatch)

	var mismatch *KeyMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, RecordIdentifier(3), mismatch.Expected)
	assert.Equal(t, LocalIdentifier(), mismatch.Actual)
}

func TestKeyIdentifierJSON(t *testing.T) {
	b, err := json.Marshal(LocalIdentifier())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"local"}`, string(b))

	b, err = json.Marshal(RecordIdentifier(42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"record","value":42}`, string(b))

	u := uuid.MustParse("0b8e4b1a-7c7d-4d0c-9d84-8f0a4c0c2f11")
	b, err = json.Marshal(UUIDIdentifier(u))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"uuid","value":"0b8e4b1a-7c7d-4d0c-9d84-8f0a4c0c2f11"}`, string(b))

	var back KeyIdentifier
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, UUIDIdentifier(u), back)

	require.Error(t, json.Unmarshal([]byte(`{"type":"bogus"}`), &back))
}

func TestDerivedIdentifierIsNeverSerialized(t *testing.T) {
	parent := RecordIdentifier(9)
	derived := DerivedIdentifier("export_symmetric_key", &parent)

	_, err := json.Marshal(derived)
	require.ErrorIs(t, err, ErrSerializeDerived)

	// Also when nested inside a ciphertext.
	_, err = json.Marshal(Ciphertext{KeyID: derived})
	require.ErrorIs(t, err, ErrSerializeDerived)

	var back KeyIdentifier
	err = json.Unmarshal([]byte(`{"type":"derived","value":{"context":"x"}}`), &back)
	require.ErrorIs(t, err, ErrSerializeDerived)

	from, ok := derived.DerivedFrom()
	require.True(t, ok)
	assert.Equal(t, "record:9", from)
	assert.Equal(t, "export_symmetric_key", derived.Context())
}
