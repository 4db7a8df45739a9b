package merkle

import (
	"fmt"
	"time"
)

// Snapshot is the serializable form of a tree: its ordered leaves plus the
// recorded root. Interior nodes are rebuilt on restore.
type Snapshot struct {
	SessionID   string     `json:"session_id,omitempty"`
	Algorithm   Algorithm  `json:"algorithm"`
	Leaves      []string   `json:"leaves"`
	RootHash    string     `json:"root_hash,omitempty"`
	Finalized   bool       `json:"finalized"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Snapshot captures the tree's leaves and root.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		SessionID: t.sessionID,
		Algorithm: t.alg,
		Leaves:    append([]string(nil), t.leaves...),
		Finalized: t.finalized,
	}
	if t.built {
		s.RootHash = t.nodes[t.root].Hash
	}
	if t.meta != nil && t.meta.FinalizedAt != nil {
		at := *t.meta.FinalizedAt
		s.FinalizedAt = &at
	}
	return s
}

// Restore rebuilds a tree from s. A recorded root that the leaves do not
// reproduce yields ErrRootMismatch.
func Restore(s Snapshot) (*Tree, error) {
	alg, err := ParseAlgorithm(string(s.Algorithm))
	if err != nil {
		return nil, err
	}

	t := New(s.SessionID, alg)
	if _, err := t.AddLeaves(s.Leaves); err != nil {
		return nil, err
	}
	if len(s.Leaves) == 0 {
		if s.RootHash != "" || s.Finalized {
			return nil, ErrEmptyTree
		}
		return t, nil
	}

	root, err := t.Build()
	if err != nil {
		return nil, err
	}
	if s.RootHash != "" && root != s.RootHash {
		return nil, fmt.Errorf("%w: snapshot %s, rebuilt %s", ErrRootMismatch, s.RootHash, root)
	}

	if s.Finalized {
		if _, err := t.Finalize(); err != nil {
			return nil, err
		}
		if s.FinalizedAt != nil {
			t.mu.Lock()
			at := *s.FinalizedAt
			t.meta.FinalizedAt = &at
			t.mu.Unlock()
		}
	}
	return t, nil
}
