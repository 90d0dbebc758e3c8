// Package crypto seals and unseals secrets that must never touch the
// datastore in plaintext — OAuth access and refresh tokens, client secrets,
// webhook shared secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Sealer provides AES-256-GCM authenticated encryption for token material.
// The nonce is generated per call and prepended to the returned ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64-encoded ciphertext with the
// nonce prepended.
func (s *Sealer) Seal(plaintext string) (string, error) {
	sealed, err := s.SealBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decodes the base64 ciphertext, extracts the prepended nonce, and
// decrypts.
func (s *Sealer) Unseal(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("sealer: base64 decode: %w", err)
	}

	plaintext, err := s.UnsealBytes(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealBytes encrypts data and returns the nonce prepended to the ciphertext.
func (s *Sealer) SealBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sealer: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

// UnsealBytes extracts the nonce from the front of data and decrypts the
// remainder.
func (s *Sealer) UnsealBytes(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("sealer: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}
	return plaintext, nil
}
