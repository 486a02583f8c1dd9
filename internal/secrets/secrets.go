// Package secrets seals backend access tokens before they are written to the session store.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const sealedPrefix = "enc:v1:"

var (
	ErrMissingKey = errors.New("SESSION_SECRET_KEY is required")
	ErrInvalidKey = errors.New("SESSION_SECRET_KEY must be 32 bytes or base64-encoded 32 bytes")
)

var newGCM = cipher.NewGCM

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrMissingKey
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, ErrInvalidKey
	}
	return decoded, nil
}

// Cipher seals tokens with AES-256-GCM. A nil *Cipher passes values through unchanged.
type Cipher struct {
	aead cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// FromEnv returns nil when raw is empty, so tokens stay plaintext in development.
func FromEnv(raw string) (*Cipher, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	key, err := ParseKey(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return New(key)
}

func (c *Cipher) Seal(plaintext string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as they are.
func (c *Cipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if c == nil {
		return "", ErrMissingKey
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", err
	}
	if len(data) < c.aead.NonceSize() {
		return "", errors.New("invalid sealed token")
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
