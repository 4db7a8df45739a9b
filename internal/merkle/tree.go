// Package merkle builds the per-session Merkle tree over ordered chunk
// digests and produces inclusion proofs against its root.
//
// Leaves are combined pairwise, bottom-up. An odd node at any level is paired
// with itself, so [a, b, c] and [a, b, c, c] share a root. Nodes live in a
// flat arena and refer to each other by index.
package merkle

import (
	"sync"
	"time"
)

// none marks an absent arena reference.
const none = -1

// Node is one entry in the tree arena.
type Node struct {
	Hash      string
	Left      int
	Right     int
	Parent    int
	IsLeaf    bool
	LeafIndex int
}

// TreeMetadata summarizes a built tree.
type TreeMetadata struct {
	SessionID   string     `json:"session_id,omitempty"`
	Algorithm   Algorithm  `json:"algorithm"`
	RootHash    string     `json:"root_hash"`
	LeafCount   int        `json:"leaf_count"`
	TreeHeight  int        `json:"tree_height"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Tree accumulates leaf digests and builds a root over them in insertion
// order. Callers that need a canonical order sort before adding.
// All methods are safe for concurrent use.
type Tree struct {
	mu        sync.RWMutex
	alg       Algorithm
	sessionID string

	leaves []string
	nodes  []Node
	root   int
	height int

	built     bool
	finalized bool
	meta      *TreeMetadata
}

// New returns an empty tree. An empty alg selects SHA-256.
func New(sessionID string, alg Algorithm) *Tree {
	if alg == "" {
		alg = SHA256
	}
	return &Tree{
		alg:       alg,
		sessionID: sessionID,
		root:      none,
	}
}

// Algorithm returns the tree's digest algorithm.
func (t *Tree) Algorithm() Algorithm {
	return t.alg
}

// AddLeaf appends a leaf digest and returns its index. Adding to a built but
// unfinalized tree discards the built levels.
func (t *Tree) AddLeaf(hash string) (int, error) {
	norm, err := NormalizeHash(hash)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return 0, ErrTreeFinalized
	}
	t.invalidate()
	t.leaves = append(t.leaves, norm)
	return len(t.leaves) - 1, nil
}

// AddLeaves appends digests in order. Either all are added or none.
func (t *Tree) AddLeaves(hashes []string) ([]int, error) {
	norm := make([]string, len(hashes))
	for i, h := range hashes {
		n, err := NormalizeHash(h)
		if err != nil {
			return nil, err
		}
		norm[i] = n
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil, ErrTreeFinalized
	}
	t.invalidate()

	indices := make([]int, len(norm))
	for i, h := range norm {
		indices[i] = len(t.leaves)
		t.leaves = append(t.leaves, h)
	}
	return indices, nil
}

func (t *Tree) invalidate() {
	t.nodes = nil
	t.root = none
	t.height = 0
	t.built = false
	t.meta = nil
}

// Build computes the root. On a finalized tree it returns the cached root.
func (t *Tree) Build() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildLocked()
}

func (t *Tree) buildLocked() (string, error) {
	if t.built {
		return t.nodes[t.root].Hash, nil
	}
	if len(t.leaves) == 0 {
		return "", ErrEmptyTree
	}

	nodes := make([]Node, 0, 2*len(t.leaves))
	level := make([]int, len(t.leaves))
	for i, h := range t.leaves {
		nodes = append(nodes, Node{
			Hash:      h,
			Left:      none,
			Right:     none,
			Parent:    none,
			IsLeaf:    true,
			LeafIndex: i,
		})
		level[i] = i
	}

	height := 0
	for len(level) > 1 {
		next := make([]int, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			parent := len(nodes)
			nodes = append(nodes, Node{
				Hash:      HashPair(t.alg, nodes[left].Hash, nodes[right].Hash),
				Left:      left,
				Right:     right,
				Parent:    none,
				LeafIndex: none,
			})
			nodes[left].Parent = parent
			nodes[right].Parent = parent
			next = append(next, parent)
		}
		level = next
		height++
	}

	t.nodes = nodes
	t.root = level[0]
	t.height = height
	t.built = true
	t.meta = &TreeMetadata{
		SessionID:  t.sessionID,
		Algorithm:  t.alg,
		RootHash:   nodes[t.root].Hash,
		LeafCount:  len(t.leaves),
		TreeHeight: height,
		CreatedAt:  time.Now().UTC(),
	}
	return nodes[t.root].Hash, nil
}

// Finalize builds the tree and freezes it. Further AddLeaf calls fail with
// ErrTreeFinalized. Finalizing twice returns the same root.
func (t *Tree) Finalize() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.buildLocked()
	if err != nil {
		return "", err
	}
	if !t.finalized {
		t.finalized = true
		now := time.Now().UTC()
		t.meta.FinalizedAt = &now
	}
	return root, nil
}

// Root returns the root digest, or "" if the tree is not built.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.built {
		return ""
	}
	return t.nodes[t.root].Hash
}

// LeafCount returns the number of leaves added.
func (t *Tree) LeafCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// Leaves returns a copy of the leaf digests in order.
func (t *Tree) Leaves() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Height returns the number of levels above the leaves, or 0 if not built.
func (t *Tree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

// IsFinalized reports whether the tree is frozen.
func (t *Tree) IsFinalized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finalized
}

// Metadata returns a copy of the build metadata, or nil if not built.
func (t *Tree) Metadata() *TreeMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.meta == nil {
		return nil
	}
	m := *t.meta
	if t.meta.FinalizedAt != nil {
		at := *t.meta.FinalizedAt
		m.FinalizedAt = &at
	}
	return &m
}

// Node returns a copy of arena node i.
func (t *Tree) Node(i int) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if i < 0 || i >= len(t.nodes) {
		return Node{}, false
	}
	return t.nodes[i], true
}

// GenerateProof returns the inclusion proof of leaf i. It reports false when
// i is out of range or the tree is not built.
func (t *Tree) GenerateProof(i int) (*Proof, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.built || i < 0 || i >= len(t.leaves) {
		return nil, false
	}

	path := make([]PathElement, 0, t.height)
	for cur := i; t.nodes[cur].Parent != none; {
		parent := t.nodes[t.nodes[cur].Parent]
		if parent.Left == cur {
			path = append(path, PathElement{Hash: t.nodes[parent.Right].Hash, Position: Right})
		} else {
			path = append(path, PathElement{Hash: t.nodes[parent.Left].Hash, Position: Left})
		}
		cur = t.nodes[cur].Parent
	}

	return &Proof{
		Algorithm: t.alg,
		LeafHash:  t.leaves[i],
		RootHash:  t.nodes[t.root].Hash,
		Path:      path,
		LeafIndex: i,
		TreeSize:  len(t.leaves),
	}, true
}

// VerifyProof checks p with the tree's algorithm. It does not require p to
// come from this tree.
func (t *Tree) VerifyProof(p *Proof) bool {
	return VerifyProof(t.alg, p)
}

// BuildRoot computes the root over leaves without keeping a tree.
func BuildRoot(alg Algorithm, leaves []string) (string, error) {
	t := New("", alg)
	if _, err := t.AddLeaves(leaves); err != nil {
		return "", err
	}
	return t.Build()
}
