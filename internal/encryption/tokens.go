package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values written by TokenCipher. Values without it are
// treated as legacy plaintext.
const sealedPrefix = "enc:v1:"

// TokenCipher encrypts OAuth tokens at rest with AES-256-GCM
type TokenCipher struct {
	gcm cipher.AEAD
}

// NewTokenCipher builds a cipher from a base64 encoded 32 byte key. An empty
// key yields a pass-through cipher for local development.
func NewTokenCipher(encodedKey string) (*TokenCipher, error) {
	if encodedKey == "" {
		return &TokenCipher{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(key))
	}

	// Create AES-GCM cipher
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &TokenCipher{gcm: gcm}, nil
}

// Enabled reports whether values are actually encrypted
func (c *TokenCipher) Enabled() bool {
	return c != nil && c.gcm != nil
}

// Encrypt seals plaintext as enc:v1:<base64(nonce|ciphertext)>
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (c *TokenCipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !c.Enabled() {
		return "", errors.New("encrypted token found but no token key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	size := c.gcm.NonceSize()
	if len(raw) < size {
		return "", errors.New("token ciphertext too short")
	}
	plaintext, err := c.gcm.Open(nil, raw[:size], raw[size:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptPtr is Encrypt for nullable columns
func (c *TokenCipher) EncryptPtr(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Encrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptPtr is Decrypt for nullable columns
func (c *TokenCipher) DecryptPtr(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Decrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MaskToken keeps the last four characters for logs
func MaskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return "***" + token[len(token)-4:]
}
