// Package aead provides ready-made payload encryption hooks backed by
// XChaCha20-Poly1305. An encrypted payload travels as a JSON string
// holding base64(nonce || ciphertext).
package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	stdjson "encoding/json"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrCiphertext is returned for payloads that cannot be opened.
var ErrCiphertext = errors.New("aead: invalid ciphertext")

// Box seals and opens payloads with one key.
type Box struct {
	aead cipher.AEAD
}

// New returns a Box for a 32-byte key.
func New(key []byte) (*Box, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return &Box{aead: a}, nil
}

// NewFromBase64 decodes a standard base64 key and returns a Box.
func NewFromBase64(encoded string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("aead: decode key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals payload.
func (b *Box) Encrypt(payload stdjson.RawMessage) (stdjson.RawMessage, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(payload)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aead: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, payload, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(sealed))
}

// Decrypt opens a payload produced by Encrypt.
func (b *Box) Decrypt(payload stdjson.RawMessage) (stdjson.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, fmt.Errorf("%w: not a string", ErrCiphertext)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrCiphertext)
	}
	plain, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plain, nil
}
