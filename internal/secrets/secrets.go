// Package secrets seals the credentials stored in watch configurations:
// target passwords, object-store secret keys and master symmetric keys.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey        = errors.New("secret key must be 32 bytes, base64 encoded")
	ErrMalformed         = errors.New("malformed ciphertext")
	ErrDecryptionFailure = errors.New("ciphertext could not be opened with this key")
)

// Box encrypts with NaCl secretbox. Ciphertexts are base64 of nonce||sealed.
type Box struct {
	key  [KeySize]byte
	rand io.Reader
}

// NewBox parses a base64 encoded 32 byte key.
func NewBox(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	b := &Box{rand: rand.Reader}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a fresh base64 encoded key for NewBox.
func GenerateKey() (string, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt implements batchload.Decryptor.
func (b *Box) Decrypt(_ context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}

// Plaintext passes values through unchanged, for local development where
// configurations hold clear-text credentials.
type Plaintext struct{}

func (Plaintext) Decrypt(_ context.Context, value string) (string, error) {
	return value, nil
}
