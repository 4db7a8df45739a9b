// Package aead implements the authenticated chunk cipher.
//
// A sealed blob is self-contained: [salt?][nonce][ciphertext+tag]. The nonce
// is freshly drawn from crypto/rand for every call; the salt is present only
// when the caller derived the key for this single blob. Keys are always
// supplied by the caller; this package performs no key derivation.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length for every supported algorithm.
const KeySize = 32

// TagSize is the authentication tag length for every supported algorithm.
const TagSize = 16

// Errors
var (
	ErrEmptyPlaintext       = errors.New("aead: plaintext is empty")
	ErrInvalidKeySize       = errors.New("aead: key must be 32 bytes")
	ErrBlobTooShort         = errors.New("aead: ciphertext blob too short")
	ErrAuthenticationFailed = errors.New("aead: authentication failed")
	ErrUnknownAlgorithm     = errors.New("aead: unknown algorithm")
	ErrInvalidSalt          = errors.New("aead: invalid salt")
)

// Algorithm identifies an AEAD construction.
type Algorithm string

const (
	AES256GCM         Algorithm = "aes-256-gcm"
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

// ParseAlgorithm maps a configuration string to an Algorithm.
// The empty string selects AES-256-GCM.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "aes-256-gcm", "aes256gcm", "aes-gcm":
		return AES256GCM, nil
	case "xchacha20-poly1305", "xchacha20poly1305", "xchacha":
		return XChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

// NonceSize returns the nonce length the algorithm embeds in each blob.
func (a Algorithm) NonceSize() int {
	switch a {
	case XChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	default:
		return 12
	}
}

// Overhead is the number of bytes a blob adds to its plaintext, excluding salt.
func (a Algorithm) Overhead() int {
	return a.NonceSize() + TagSize
}

// Stats holds cipher operation counters.
type Stats struct {
	Algorithm    Algorithm `json:"algorithm"`
	Encryptions  uint64    `json:"encryptions"`
	Decryptions  uint64    `json:"decryptions"`
	AuthFailures uint64    `json:"auth_failures"`
	BytesSealed  uint64    `json:"bytes_sealed"`
	BytesOpened  uint64    `json:"bytes_opened"`
	KeySize      int       `json:"key_size"`
	NonceSize    int       `json:"nonce_size"`
	TagSize      int       `json:"tag_size"`
}

// Cipher seals and opens chunk blobs. It is stateless apart from its
// counters and safe for concurrent use.
type Cipher struct {
	alg Algorithm

	encryptions  atomic.Uint64
	decryptions  atomic.Uint64
	authFailures atomic.Uint64
	bytesSealed  atomic.Uint64
	bytesOpened  atomic.Uint64
}

// New returns a Cipher for alg.
func New(alg Algorithm) (*Cipher, error) {
	parsed, err := ParseAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}
	return &Cipher{alg: parsed}, nil
}

// Algorithm returns the configured algorithm.
func (c *Cipher) Algorithm() Algorithm {
	return c.alg
}

// Encrypt seals plaintext under key and returns [nonce][ciphertext+tag].
func (c *Cipher) Encrypt(key, plaintext []byte) ([]byte, error) {
	return c.seal(key, nil, plaintext)
}

// EncryptSalted seals plaintext and prefixes salt, returning
// [salt][nonce][ciphertext+tag]. The salt is authenticated as additional
// data, so swapping it between blobs is detected.
func (c *Cipher) EncryptSalted(key, salt, plaintext []byte) ([]byte, error) {
	if len(salt) == 0 || len(salt) > 255 {
		return nil, ErrInvalidSalt
	}
	return c.seal(key, salt, plaintext)
}

func (c *Cipher) seal(key, salt, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	out := make([]byte, len(salt)+nonceSize, len(salt)+nonceSize+len(plaintext)+aead.Overhead())
	copy(out, salt)
	nonce := out[len(salt) : len(salt)+nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aead: generate nonce: %w", err)
	}

	out = aead.Seal(out, nonce, plaintext, salt)

	c.encryptions.Add(1)
	c.bytesSealed.Add(uint64(len(plaintext)))
	return out, nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(key, blob []byte) ([]byte, error) {
	return c.open(key, nil, blob)
}

// DecryptSalted opens a blob produced by EncryptSalted with a salt of saltLen bytes.
func (c *Cipher) DecryptSalted(key []byte, saltLen int, blob []byte) ([]byte, error) {
	salt, rest, err := SplitSalt(blob, saltLen)
	if err != nil {
		return nil, err
	}
	return c.open(key, salt, rest)
}

func (c *Cipher) open(key, salt, blob []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(blob) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooShort, len(blob))
	}

	nonce, sealed := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, salt)
	if err != nil {
		c.authFailures.Add(1)
		return nil, ErrAuthenticationFailed
	}

	c.decryptions.Add(1)
	c.bytesOpened.Add(uint64(len(plaintext)))
	return plaintext, nil
}

// SplitSalt separates a salt of saltLen bytes from the front of blob.
func SplitSalt(blob []byte, saltLen int) (salt, rest []byte, err error) {
	if saltLen <= 0 || saltLen > 255 {
		return nil, nil, ErrInvalidSalt
	}
	if len(blob) < saltLen {
		return nil, nil, fmt.Errorf("%w: missing salt", ErrBlobTooShort)
	}
	return blob[:saltLen], blob[saltLen:], nil
}

func (c *Cipher) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}

	switch c.alg {
	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("aead: init xchacha20-poly1305: %w", err)
		}
		return aead, nil
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aead: init aes: %w", err)
		}
		aead, err := cipher.NewGCMWithTagSize(block, TagSize)
		if err != nil {
			return nil, fmt.Errorf("aead: init gcm: %w", err)
		}
		return aead, nil
	}
}

// Stats returns a snapshot of the cipher counters.
func (c *Cipher) Stats() Stats {
	return Stats{
		Algorithm:    c.alg,
		Encryptions:  c.encryptions.Load(),
		Decryptions:  c.decryptions.Load(),
		AuthFailures: c.authFailures.Load(),
		BytesSealed:  c.bytesSealed.Load(),
		BytesOpened:  c.bytesOpened.Load(),
		KeySize:      KeySize,
		NonceSize:    c.alg.NonceSize(),
		TagSize:      TagSize,
	}
}
