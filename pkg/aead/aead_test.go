package aead_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/lightforgemedia/go-resilientws/pkg/aead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBox(t *testing.T) *aead.Box {
	t.Helper()
	key, err := aead.GenerateKey()
	require.NoError(t, err)
	box, err := aead.New(key)
	require.NoError(t, err)
	return box
}

func TestRoundTrip(t *testing.T) {
	box := newBox(t)
	plain := json.RawMessage(`{"card":"4111"}`)

	sealed, err := box.Encrypt(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "4111")

	var s string
	require.NoError(t, json.Unmarshal(sealed, &s), "ciphertext travels as a JSON string")

	opened, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, string(plain), string(opened))
}

func TestDecryptRejectsTampering(t *testing.T) {
	box := newBox(t)
	sealed, err := box.Encrypt(json.RawMessage(`"hi"`))
	require.NoError(t, err)

	_, err = newBox(t).Decrypt(sealed)
	assert.ErrorIs(t, err, aead.ErrCiphertext, "wrong key")

	_, err = box.Decrypt(json.RawMessage(`{"not":"a string"}`))
	assert.ErrorIs(t, err, aead.ErrCiphertext)

	_, err = box.Decrypt(json.RawMessage(`"c2hvcnQ="`))
	assert.ErrorIs(t, err, aead.ErrCiphertext)
}

func TestKeyValidation(t *testing.T) {
	_, err := aead.New([]byte("short"))
	assert.Error(t, err)

	key, err := aead.GenerateKey()
	require.NoError(t, err)
	_, err = aead.NewFromBase64(base64.StdEncoding.EncodeToString(key))
	assert.NoError(t, err)
}
