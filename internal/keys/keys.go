// Package keys encrypts delegated signer keys at rest.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrNoKey   = errors.New("keys: no encryption key configured")
	ErrDecrypt = errors.New("keys: decryption failed")
)

// Decrypter turns stored ciphertext back into key material. Callers must
// Zero the result once they are done with it.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Keyring is a local XChaCha20-Poly1305 Decrypter. Ciphertexts are
// nonce || sealed box.
type Keyring struct {
	key []byte
}

var _ Decrypter = (*Keyring)(nil)

// NewKeyring parses a 32-byte hex key, with or without 0x.
func NewKeyring(hexKey string) (*Keyring, error) {
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("keys: invalid hex key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keys: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Keyring{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keys: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (k *Keyring) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
