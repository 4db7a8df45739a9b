package aead

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(t testing.TB) []byte {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

var algorithms = []Algorithm{AES256GCM, XChaCha20Poly1305}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		input    string
		expected Algorithm
		hasError bool
	}{
		{"", AES256GCM, false},
		{"aes-256-gcm", AES256GCM, false},
		{"AES-256-GCM", AES256GCM, false},
		{"xchacha20-poly1305", XChaCha20Poly1305, false},
		{"xchacha", XChaCha20Poly1305, false},
		{"des", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			alg, err := ParseAlgorithm(tc.input)
			if tc.hasError {
				assert.ErrorIs(t, err, ErrUnknownAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, alg)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c, err := New(alg)
			require.NoError(t, err)
			key := testKey(t)

			plaintext := []byte("session chunk payload")
			blob, err := c.Encrypt(key, plaintext)
			require.NoError(t, err)
			assert.Len(t, blob, len(plaintext)+alg.Overhead())

			got, err := c.Decrypt(key, blob)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)

			stats := c.Stats()
			assert.Equal(t, uint64(1), stats.Encryptions)
			assert.Equal(t, uint64(1), stats.Decryptions)
			assert.Equal(t, TagSize, stats.TagSize)
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := New(AES256GCM)
	require.NoError(t, err)
	key := testKey(t)

	a, err := c.Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt(key, []byte("same"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two seals of the same plaintext must differ")
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	c, err := New(AES256GCM)
	require.NoError(t, err)

	_, err = c.Encrypt(testKey(t), nil)
	assert.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestInvalidKeySize(t *testing.T) {
	c, err := New(AES256GCM)
	require.NoError(t, err)

	_, err = c.Encrypt(make([]byte, 16), []byte("data"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = c.Decrypt(make([]byte, 31), make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDecryptWrongKey(t *testing.T) {
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c, err := New(alg)
			require.NoError(t, err)

			blob, err := c.Encrypt(testKey(t), []byte("secret"))
			require.NoError(t, err)

			plaintext, err := c.Decrypt(testKey(t), blob)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
			assert.Nil(t, plaintext)
			assert.Equal(t, uint64(1), c.Stats().AuthFailures)
		})
	}
}

func TestDecryptTooShort(t *testing.T) {
	c, err := New(AES256GCM)
	require.NoError(t, err)

	_, err = c.Decrypt(testKey(t), make([]byte, 12+TagSize-1))
	assert.ErrorIs(t, err, ErrBlobTooShort)
}

func TestSaltedRoundTrip(t *testing.T) {
	c, err := New(AES256GCM)
	require.NoError(t, err)
	key := testKey(t)
	salt := bytes.Repeat([]byte{0x5a}, 32)

	blob, err := c.EncryptSalted(key, salt, []byte("per-blob key"))
	require.NoError(t, err)
	assert.Equal(t, salt, blob[:32])

	got, err := c.DecryptSalted(key, 32, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("per-blob key"), got)

	// The salt is authenticated.
	blob[0] ^= 0xff
	_, err = c.DecryptSalted(key, 32, blob)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSplitSalt(t *testing.T) {
	_, _, err := SplitSalt([]byte{1, 2}, 4)
	assert.ErrorIs(t, err, ErrBlobTooShort)

	_, _, err = SplitSalt([]byte{1, 2}, 0)
	assert.ErrorIs(t, err, ErrInvalidSalt)

	salt, rest, err := SplitSalt([]byte{1, 2, 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, salt)
	assert.Equal(t, []byte{3}, rest)
}

func TestRoundTripProperty(t *testing.T) {
	for _, alg := range algorithms {
		c, err := New(alg)
		require.NoError(t, err)
		key := testKey(t)

		t.Run(string(alg), rapid.MakeCheck(func(rt *rapid.T) {
			plaintext := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "plaintext")

			blob, err := c.Encrypt(key, plaintext)
			if err != nil {
				rt.Fatalf("encrypt: %v", err)
			}
			got, err := c.Decrypt(key, blob)
			if err != nil {
				rt.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				rt.Fatalf("round trip mismatch")
			}
		}))
	}
}

func TestTamperDetectionProperty(t *testing.T) {
	for _, alg := range algorithms {
		c, err := New(alg)
		require.NoError(t, err)
		key := testKey(t)

		t.Run(string(alg), rapid.MakeCheck(func(rt *rapid.T) {
			plaintext := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "plaintext")
			blob, err := c.Encrypt(key, plaintext)
			if err != nil {
				rt.Fatalf("encrypt: %v", err)
			}

			pos := rapid.IntRange(0, len(blob)-1).Draw(rt, "pos")
			flip := rapid.ByteRange(1, 255).Draw(rt, "flip")
			blob[pos] ^= flip

			got, err := c.Decrypt(key, blob)
			if !errors.Is(err, ErrAuthenticationFailed) {
				rt.Fatalf("expected authentication failure, got %v", err)
			}
			if got != nil {
				rt.Fatalf("tampered blob returned data")
			}
		}))
	}
}
