// Package crypto seals OAuth tokens before they touch the database.
//
// Blobs are hex(nonce || ciphertext || tag) produced by AES-256-GCM with a
// fresh 96-bit random nonce per call, so a blob is self-describing given only
// the key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 12

// ErrInvalidKey marks a malformed encryption key. It is a deployment
// configuration problem, distinct from ErrDecrypt.
var ErrInvalidKey = errors.New("encryption key must be 64 hex characters")

// ErrDecrypt is returned for any blob that cannot be authenticated and
// decrypted: truncated data, bad hex, or a failed GCM tag check. The cipher
// never returns partial plaintext.
var ErrDecrypt = errors.New("failed to decrypt data")

// Key is a parsed 32-byte AES-256 key.
type Key struct {
	raw []byte
}

// ParseKey validates and decodes a 64-hex-character key string.
func ParseKey(hexKey string) (Key, error) {
	if len(hexKey) != 64 {
		return Key{}, ErrInvalidKey
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Key{raw: raw}, nil
}

// Encrypt seals plaintext under the key. The nonce is generated internally
// from crypto/rand; callers cannot supply one, which keeps nonce reuse
// impossible by construction.
func Encrypt(key Key, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed with ErrDecrypt
// on any tamper or format problem.
func Decrypt(key Key, blob string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(blob)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < nonceSize {
		return "", ErrDecrypt
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	if len(key.raw) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
