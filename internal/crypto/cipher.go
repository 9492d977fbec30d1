// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package crypto implements the reversible credential cipher used to store
// download-client passwords and API tokens at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// encryptedPrefix marks a value produced by Cipher.Encrypt. IsEncrypted is a
// pure format check on this prefix, so it has no false negatives on our own
// output.
const encryptedPrefix = "enc:v1:"

type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext with AES-GCM and a random nonce, returning
// "enc:v1:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A blob sealed under a different key, truncated,
// or otherwise corrupted yields "" rather than an error: callers treat an
// empty result as "credential unavailable" and must never forward it to a
// backend as a valid secret.
func (c *Cipher) Decrypt(blob string) string {
	encoded, ok := strings.CutPrefix(blob, encryptedPrefix)
	if !ok {
		return ""
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return ""
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return ""
	}

	if len(data) < gcm.NonceSize() {
		return ""
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}

	return string(plaintext)
}

// IsEncrypted reports whether value was produced by Encrypt. Callers check
// this before encrypting to avoid double-encrypting values the frontend
// sends back unchanged, and before use to decide whether decryption is
// needed.
func (c *Cipher) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
