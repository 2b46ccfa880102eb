// Package crypto encrypts sensitive columns at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:v1:"

// FieldCipher encrypts and decrypts string fields with AES-256-GCM.
// A nil FieldCipher passes values through unchanged, which keeps the
// store usable when no encryption key is configured.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher derives a cipher from the configured key. The key may be
// 64 hex chars (raw 32-byte key) or any non-empty string, which is hashed
// to 32 bytes. An empty key returns nil, nil.
func NewFieldCipher(key string) (*FieldCipher, error) {
	if key == "" {
		return nil, nil
	}

	var raw []byte
	if len(key) == 64 {
		if decoded, err := hex.DecodeString(key); err == nil {
			raw = decoded
		}
	}
	if raw == nil {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext into a prefixed base64 envelope.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the envelope
// prefix, or that fail to decode, are returned as-is: rows written before
// encryption was enabled stay readable.
func (c *FieldCipher) Decrypt(value string) string {
	if c == nil || !strings.HasPrefix(value, encPrefix) {
		return value
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil || len(sealed) < c.aead.NonceSize() {
		return value
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return value
	}
	return string(plaintext)
}
