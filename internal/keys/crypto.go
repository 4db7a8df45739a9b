package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"runtime"
)

// GenerateSecureRandom fills data with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d random bytes", ErrKeyDerivation, n, len(data))
	}
	return nil
}

// GenerateMasterSecret returns a new random master secret.
func GenerateMasterSecret() ([]byte, error) {
	secret := make([]byte, MinMasterSecretSize)
	if err := GenerateSecureRandom(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// ValidateKeyStrength rejects master secrets that are short, all zero or a
// single repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinMasterSecretSize {
		return fmt.Errorf("%w: %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinMasterSecretSize)
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: all zeros", ErrWeakKey)
	}

	allSame := true
	for _, b := range key[1:] {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: repeating pattern", ErrWeakKey)
	}

	return nil
}

// Equal compares two keys in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
