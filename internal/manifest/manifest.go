// Package manifest builds and signs the per-session manifest: the ordered
// chunk list, the Merkle root over it and a checksum of the whole stream.
package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chunkseal/internal/merkle"
)

const Version = 1

var (
	ErrEmptyManifest  = errors.New("manifest: no chunks")
	ErrNotSigned      = errors.New("manifest: not signed")
	ErrBadSignature   = errors.New("manifest: signature verification failed")
	ErrRootMismatch   = errors.New("manifest: root does not match chunk list")
	ErrChecksum       = errors.New("manifest: total checksum mismatch")
	ErrUnsortedChunks = errors.New("manifest: chunks not in sequence order")
)

// Entry is one chunk in the manifest.
type Entry struct {
	SequenceNo     uint64 `json:"sequence_no"`
	ChunkID        string `json:"chunk_id"`
	LeafHash       string `json:"leaf_hash"`
	EncryptedSize  int    `json:"encrypted_size,omitempty"`
	PlaintextHash  string `json:"plaintext_hash,omitempty"`
	CiphertextHash string `json:"ciphertext_hash,omitempty"`
}

// Manifest describes a finalized session.
type Manifest struct {
	Version       int       `json:"version"`
	SessionID     string    `json:"session_id"`
	Algorithm     string    `json:"algorithm"`
	RootHash      string    `json:"root_hash"`
	LeafCount     int       `json:"leaf_count"`
	TreeHeight    int       `json:"tree_height"`
	TotalChecksum string    `json:"total_checksum"`
	Chunks        []Entry   `json:"chunks"`
	FinalizedAt   time.Time `json:"finalized_at"`
	CreatedAt     time.Time `json:"created_at"`

	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Build assembles a manifest. Chunks must be in ascending sequence order.
func Build(sessionID string, alg merkle.Algorithm, root string, height int, finalizedAt time.Time, chunks []Entry) (*Manifest, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyManifest
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].SequenceNo <= chunks[i-1].SequenceNo {
			return nil, ErrUnsortedChunks
		}
	}
	m := &Manifest{
		Version:       Version,
		SessionID:     sessionID,
		Algorithm:     string(alg),
		RootHash:      root,
		LeafCount:     len(chunks),
		TreeHeight:    height,
		TotalChecksum: totalChecksum(chunks),
		Chunks:        append([]Entry(nil), chunks...),
		FinalizedAt:   finalizedAt.UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	return m, nil
}

// totalChecksum is SHA-256 over the concatenated ciphertext hashes (leaf
// hashes when absent), in sequence order.
func totalChecksum(chunks []Entry) string {
	h := sha256.New()
	for _, c := range chunks {
		if c.CiphertextHash != "" {
			h.Write([]byte(c.CiphertextHash))
		} else {
			h.Write([]byte(c.LeafHash))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// signingBytes is the canonical JSON of m without signature fields.
func (m *Manifest) signingBytes() ([]byte, error) {
	c := *m
	c.Signature = ""
	c.PublicKey = ""
	return json.Marshal(c)
}

// Sign signs the manifest with key, embedding the public key.
func (m *Manifest) Sign(key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return ErrInvalidKeyFormat
	}
	data, err := m.signingBytes()
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(ed25519.Sign(key, data))
	m.PublicKey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	return nil
}

// Signed reports whether the manifest carries a signature.
func (m *Manifest) Signed() bool { return m.Signature != "" }

// VerifySignature checks the signature against pub, or against the embedded
// public key when pub is nil.
func (m *Manifest) VerifySignature(pub ed25519.PublicKey) error {
	if !m.Signed() {
		return ErrNotSigned
	}
	if pub == nil {
		raw, err := hex.DecodeString(m.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: embedded public key", ErrInvalidKeyFormat)
		}
		pub = raw
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	data, err := m.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifyContents recomputes the root and checksum from the chunk list.
func (m *Manifest) VerifyContents() error {
	alg, err := merkle.ParseAlgorithm(m.Algorithm)
	if err != nil {
		return err
	}
	if len(m.Chunks) == 0 {
		return ErrEmptyManifest
	}
	leaves := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		if i > 0 && c.SequenceNo <= m.Chunks[i-1].SequenceNo {
			return ErrUnsortedChunks
		}
		leaves[i] = c.LeafHash
	}
	root, err := merkle.BuildRoot(alg, leaves)
	if err != nil {
		return err
	}
	if root != m.RootHash || len(leaves) != m.LeafCount {
		return ErrRootMismatch
	}
	if totalChecksum(m.Chunks) != m.TotalChecksum {
		return ErrChecksum
	}
	return nil
}

// Verify runs VerifyContents and VerifySignature.
func (m *Manifest) Verify(pub ed25519.PublicKey) error {
	if err := m.VerifyContents(); err != nil {
		return err
	}
	return m.VerifySignature(pub)
}

// Marshal encodes the manifest as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Unmarshal decodes a manifest.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
