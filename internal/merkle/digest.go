package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Algorithm names the digest used for leaves and interior nodes.
type Algorithm string

const (
	SHA256   Algorithm = "sha256"
	SHA3_256 Algorithm = "sha3-256"
)

// HashSize is the digest size of every supported algorithm, in bytes.
const HashSize = 32

// HexSize is the length of a hex-encoded digest.
const HexSize = 2 * HashSize

// ParseAlgorithm maps a configuration string to an Algorithm.
// The empty string selects SHA-256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256", "sha-256":
		return SHA256, nil
	case "sha3-256", "sha3_256", "sha3":
		return SHA3_256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if a == SHA3_256 {
		return sha3.New256()
	}
	return sha256.New()
}

func (a Algorithm) code() byte {
	if a == SHA3_256 {
		return 2
	}
	return 1
}

func algorithmFromCode(c byte) (Algorithm, error) {
	switch c {
	case 1:
		return SHA256, nil
	case 2:
		return SHA3_256, nil
	default:
		return "", fmt.Errorf("%w: code %d", ErrUnknownAlgorithm, c)
	}
}

// HashLeafData returns the lowercase hex digest of data. Chunk plaintext is
// hashed with this before its digest becomes a leaf.
func HashLeafData(alg Algorithm, data []byte) string {
	h := alg.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashPair combines two child digests. The input is the concatenation of the
// two hex strings as ASCII, not the raw digest bytes; anchored roots depend
// on this exact encoding.
func HashPair(alg Algorithm, left, right string) string {
	h := alg.newHash()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeHash validates s as a hex digest and returns it lowercased.
func NormalizeHash(s string) (string, error) {
	if len(s) != HexSize {
		return "", fmt.Errorf("%w: length %d, want %d", ErrInvalidLeafHash, len(s), HexSize)
	}
	lower := strings.ToLower(s)
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLeafHash, err)
	}
	return lower, nil
}
