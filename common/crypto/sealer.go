// Package crypto seals data at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
)

var (
	ErrInvalidKeySize = fmt.Errorf("crypto: key must be exactly %d bytes", KeySize)
	ErrTooShort       = errors.New("crypto: sealed data too short")
)

// ParseKey decodes a 64-character hex key, as produced by
// `openssl rand -hex 32`.
func ParseKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, errors.New("crypto: key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}
	return key, nil
}

// Sealer encrypts and authenticates blobs with one key. It is safe for
// concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer returns a Sealer for a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The output is [nonce(12)] + [ciphertext+tag].
// aad is authenticated but not stored; Open must be given the same value.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. It fails if the data was altered or aad differs.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+s.aead.Overhead() {
		return nil, ErrTooShort
	}
	nonce, data := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}
