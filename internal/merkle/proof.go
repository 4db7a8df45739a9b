package merkle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Position says on which side of the running hash a sibling sits.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// maxPathLen bounds proof depth; a 2^64-leaf tree has 64 levels.
const maxPathLen = 64

// PathElement is one sibling on the path from a leaf to the root.
type PathElement struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// Proof is an inclusion proof of one leaf.
type Proof struct {
	Algorithm Algorithm     `json:"algorithm"`
	LeafHash  string        `json:"leaf_hash"`
	RootHash  string        `json:"root_hash"`
	Path      []PathElement `json:"path"`
	LeafIndex int           `json:"leaf_index"`
	TreeSize  int           `json:"tree_size"`
}

// Verify checks the proof with its own recorded algorithm.
func (p *Proof) Verify() bool {
	if p == nil {
		return false
	}
	alg := p.Algorithm
	if alg == "" {
		alg = SHA256
	}
	return VerifyProof(alg, p)
}

// VerifyProof recombines the leaf with each sibling and reports whether the
// result equals the declared root. Malformed proofs are invalid, never errors.
func VerifyProof(alg Algorithm, p *Proof) bool {
	if p == nil || len(p.Path) > maxPathLen {
		return false
	}

	current, err := NormalizeHash(p.LeafHash)
	if err != nil {
		return false
	}
	root, err := NormalizeHash(p.RootHash)
	if err != nil {
		return false
	}

	for _, elem := range p.Path {
		sibling, err := NormalizeHash(elem.Hash)
		if err != nil {
			return false
		}
		switch elem.Position {
		case Left:
			current = HashPair(alg, sibling, current)
		case Right:
			current = HashPair(alg, current, sibling)
		default:
			return false
		}
	}
	return current == root
}

// Proof serialization format version
const proofFormatVersion = 1

// proofHeaderSize is version + algorithm + LeafIndex + TreeSize + LeafHash +
// RootHash + PathLen.
const proofHeaderSize = 1 + 1 + 8 + 8 + HashSize + HashSize + 2

// MarshalBinary encodes the proof.
// Format:
//
//	[1 byte version][1 byte algorithm][8 bytes LeafIndex][8 bytes TreeSize]
//	[32 bytes LeafHash][32 bytes RootHash]
//	[2 bytes PathLen][PathLen * 33 bytes (32 hash + 1 position)]
func (p *Proof) MarshalBinary() ([]byte, error) {
	if len(p.Path) > maxPathLen {
		return nil, fmt.Errorf("%w: path length %d", ErrInvalidProofData, len(p.Path))
	}
	alg := p.Algorithm
	if alg == "" {
		alg = SHA256
	}

	buf := make([]byte, proofHeaderSize+len(p.Path)*(HashSize+1))
	offset := 0

	buf[offset] = proofFormatVersion
	offset++
	buf[offset] = alg.code()
	offset++

	binary.BigEndian.PutUint64(buf[offset:], uint64(p.LeafIndex))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(p.TreeSize))
	offset += 8

	for _, h := range []string{p.LeafHash, p.RootHash} {
		if err := putHash(buf[offset:offset+HashSize], h); err != nil {
			return nil, err
		}
		offset += HashSize
	}

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.Path)))
	offset += 2
	for _, elem := range p.Path {
		if err := putHash(buf[offset:offset+HashSize], elem.Hash); err != nil {
			return nil, err
		}
		offset += HashSize

		switch elem.Position {
		case Left:
			buf[offset] = 1
		case Right:
			buf[offset] = 0
		default:
			return nil, fmt.Errorf("%w: position %q", ErrInvalidProofData, elem.Position)
		}
		offset++
	}

	return buf, nil
}

// UnmarshalBinary decodes a proof produced by MarshalBinary.
func (p *Proof) UnmarshalBinary(data []byte) error {
	if len(data) < proofHeaderSize {
		return ErrInvalidProofData
	}

	offset := 0
	if version := data[offset]; version != proofFormatVersion {
		return fmt.Errorf("merkle: unsupported proof version: %d", version)
	}
	offset++

	alg, err := algorithmFromCode(data[offset])
	if err != nil {
		return err
	}
	offset++

	out := Proof{Algorithm: alg}
	out.LeafIndex = int(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	out.TreeSize = int(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	out.LeafHash = hex.EncodeToString(data[offset : offset+HashSize])
	offset += HashSize
	out.RootHash = hex.EncodeToString(data[offset : offset+HashSize])
	offset += HashSize

	pathLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if pathLen > maxPathLen || len(data) != offset+pathLen*(HashSize+1) {
		return ErrInvalidProofData
	}

	out.Path = make([]PathElement, pathLen)
	for i := 0; i < pathLen; i++ {
		out.Path[i].Hash = hex.EncodeToString(data[offset : offset+HashSize])
		offset += HashSize
		switch data[offset] {
		case 0:
			out.Path[i].Position = Right
		case 1:
			out.Path[i].Position = Left
		default:
			return fmt.Errorf("%w: position byte %d", ErrInvalidProofData, data[offset])
		}
		offset++
	}

	*p = out
	return nil
}

// UnmarshalProof decodes a binary proof.
func UnmarshalProof(data []byte) (*Proof, error) {
	p := &Proof{}
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return p, nil
}

func putHash(dst []byte, h string) error {
	norm, err := NormalizeHash(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProofData, err)
	}
	_, err = hex.Decode(dst, []byte(norm))
	return err
}
