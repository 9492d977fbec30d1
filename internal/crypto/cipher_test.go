// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crypto

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	key := sha256.Sum256([]byte(secret))
	c, err := NewCipher(key[:])
	require.NoError(t, err)
	return c
}

func TestNewCipher_RejectsBadKeySize(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := testCipher(t, "session-secret")

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple", "hunter2"},
		{"empty", ""},
		{"unicode", "pässwörd-日本語"},
		{"long", strings.Repeat("x", 4096)},
		{"looks_like_blob", "enc:v1:not-actually-encrypted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := c.Encrypt(tt.plaintext)
			require.NoError(t, err)

			assert.True(t, c.IsEncrypted(blob))
			assert.Equal(t, tt.plaintext, c.Decrypt(blob))
		})
	}
}

func TestEncrypt_NonDeterministicNonce(t *testing.T) {
	c := testCipher(t, "session-secret")

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, c.Decrypt(a), c.Decrypt(b))
}

func TestDecrypt_WrongKeyReturnsEmpty(t *testing.T) {
	c1 := testCipher(t, "secret-one")
	c2 := testCipher(t, "secret-two")

	blob, err := c1.Encrypt("topsecret")
	require.NoError(t, err)

	assert.Equal(t, "", c2.Decrypt(blob))
}

func TestDecrypt_CorruptedInputReturnsEmpty(t *testing.T) {
	c := testCipher(t, "session-secret")

	blob, err := c.Encrypt("topsecret")
	require.NoError(t, err)

	// Flip a character in the middle of the base64 payload so the
	// underlying ciphertext actually changes and GCM authentication fails.
	corrupted := []byte(blob)
	mid := len(encryptedPrefix) + (len(blob)-len(encryptedPrefix))/2
	if corrupted[mid] == 'A' {
		corrupted[mid] = 'B'
	} else {
		corrupted[mid] = 'A'
	}

	tests := []struct {
		name string
		blob string
	}{
		{"no_prefix", "plaintext password"},
		{"bad_base64", "enc:v1:!!!not base64!!!"},
		{"truncated", blob[:len(encryptedPrefix)+8]},
		{"flipped_byte", string(corrupted)},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "", c.Decrypt(tt.blob))
		})
	}
}

func TestIsEncrypted(t *testing.T) {
	c := testCipher(t, "session-secret")

	assert.False(t, c.IsEncrypted("hunter2"))
	assert.False(t, c.IsEncrypted(""))
	assert.False(t, c.IsEncrypted("ENC:V1:upper"))

	blob, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.True(t, c.IsEncrypted(blob))
}
