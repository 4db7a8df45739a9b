package manifest

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"chunkseal/internal/security"
)

var (
	ErrInvalidKeyFormat = errors.New("manifest: invalid key format")
	ErrUnsupportedKey   = errors.New("manifest: unsupported key type (expected Ed25519)")
	ErrKeyEncrypted     = errors.New("manifest: key is encrypted (passphrase required)")
)

// LoadPrivateKey reads an Ed25519 signing key from file.
// Accepts OpenSSH format, raw 32-byte seeds and raw 64-byte keys.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	return LoadPrivateKeyWithPassphrase(path, nil)
}

// LoadPrivateKeyWithPassphrase is LoadPrivateKey for passphrase-protected
// OpenSSH keys. A nil passphrase behaves like LoadPrivateKey.
func LoadPrivateKeyWithPassphrase(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	keyData, err := security.ReadSecretFile(path, 64<<10)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePrivateKey(keyData, passphrase)
}

// ParsePrivateKey parses key material in any format LoadPrivateKey accepts.
func ParsePrivateKey(keyData, passphrase []byte) (ed25519.PrivateKey, error) {
	switch len(keyData) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(keyData), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(append([]byte(nil), keyData...)), nil
	}

	if block, _ := pem.Decode(keyData); block == nil {
		return nil, ErrInvalidKeyFormat
	}

	var (
		parsed any
		err    error
	)
	if passphrase == nil {
		parsed, err = ssh.ParseRawPrivateKey(keyData)
	} else {
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(keyData, passphrase)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPublicKey reads an Ed25519 public key: raw 32 bytes or an
// authorized_keys line (ssh-ed25519 ...).
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if len(keyData) == ed25519.PublicKeySize {
		return ed25519.PublicKey(keyData), nil
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPubKey, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edKey, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPubKey.CryptoPublicKey())
	}
	return edKey, nil
}

// Fingerprint returns the SHA256 fingerprint of pub in OpenSSH notation.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(sshPub), nil
}
