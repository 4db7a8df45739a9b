package merkle

import "errors"

// Merkle-specific errors
var (
	// ErrTreeFinalized indicates a leaf was added to a finalized tree.
	ErrTreeFinalized = errors.New("merkle: tree is finalized")

	// ErrEmptyTree indicates a build over zero leaves.
	ErrEmptyTree = errors.New("merkle: tree has no leaves")

	// ErrInvalidLeafHash indicates a leaf hash that is not a hex digest of
	// the tree's algorithm.
	ErrInvalidLeafHash = errors.New("merkle: invalid leaf hash")

	// ErrUnknownAlgorithm indicates an unsupported digest name.
	ErrUnknownAlgorithm = errors.New("merkle: unknown hash algorithm")

	// ErrInvalidProofData indicates a corrupted or truncated encoded proof.
	ErrInvalidProofData = errors.New("merkle: invalid proof data")

	// ErrRootMismatch indicates a restored snapshot did not rebuild to its
	// recorded root.
	ErrRootMismatch = errors.New("merkle: root mismatch")
)
