// Package session tracks the lifecycle of recording sessions: which chunk
// digests each one has accepted, and whether its Merkle root is sealed.
//
// A session moves Open -> Finalizing -> Finalized. Leaves are reserved before
// their chunk is stored and committed only after storage succeeds, so a
// failed store leaves no trace and the chunk can be retried as-is.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chunkseal/internal/merkle"
)

// Errors
var (
	ErrSessionNotFound         = errors.New("session: not found")
	ErrSessionAlreadyFinalized = errors.New("session: already finalized")
	ErrSequenceConflict        = errors.New("session: sequence number already holds a different chunk")
	ErrSequencePending         = errors.New("session: sequence number is being processed")
	ErrSequenceNotFound        = errors.New("session: sequence number not found")
	ErrNotFinalized            = errors.New("session: not finalized")
	ErrInvalidSessionID        = errors.New("session: session id is empty")
)

// Phase is a session lifecycle phase.
type Phase int

const (
	Open Phase = iota
	Finalizing
	Finalized
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// AnchorStatus tracks publication of a finalized root.
type AnchorStatus string

const (
	AnchorNone      AnchorStatus = "none"
	AnchorPending   AnchorStatus = "pending"
	AnchorConfirmed AnchorStatus = "confirmed"
)

// Leaf is one accepted chunk digest.
type Leaf struct {
	SequenceNo uint64 `json:"sequence_no"`
	ChunkID    string `json:"chunk_id"`
	Hash       string `json:"hash"`
}

// State is a point-in-time copy of one session.
type State struct {
	SessionID      string       `json:"session_id"`
	Phase          Phase        `json:"phase"`
	Leaves         []Leaf       `json:"leaves"`
	PendingLeaves  int          `json:"pending_leaves"`
	MerkleRoot     string       `json:"merkle_root,omitempty"`
	TreeHeight     int          `json:"tree_height,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	FinalizedAt    *time.Time   `json:"finalized_at,omitempty"`
	AnchorStatus   AnchorStatus `json:"anchor_status"`
	AnchorError    string       `json:"anchor_error,omitempty"`
	AnchorReceipts []string     `json:"anchor_receipts,omitempty"`
}

type entry struct {
	mu sync.Mutex
	id string

	phase     Phase
	committed map[uint64]Leaf
	pending   map[uint64]Leaf

	// drained is closed when the last pending reservation resolves while
	// the session is Finalizing.
	drained chan struct{}
	// done is closed when a Finalizing phase ends in either direction.
	done chan struct{}

	tree   *merkle.Tree
	index  map[uint64]int
	root   string
	height int

	createdAt   time.Time
	updatedAt   time.Time
	finalizedAt time.Time

	anchorStatus   AnchorStatus
	anchorErr      string
	anchorReceipts []string
}

func newEntry(id string) *entry {
	now := time.Now().UTC()
	return &entry{
		id:           id,
		committed:    make(map[uint64]Leaf),
		pending:      make(map[uint64]Leaf),
		createdAt:    now,
		updatedAt:    now,
		anchorStatus: AnchorNone,
	}
}

// resolveLocked removes a pending leaf and signals finalizers once none remain.
func (e *entry) resolveLocked(seq uint64) {
	delete(e.pending, seq)
	if len(e.pending) == 0 && e.drained != nil {
		close(e.drained)
		e.drained = nil
	}
}

func (e *entry) sortedLocked() []Leaf {
	leaves := make([]Leaf, 0, len(e.committed))
	for _, l := range e.committed {
		leaves = append(leaves, l)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].SequenceNo < leaves[j].SequenceNo
	})
	return leaves
}

func (e *entry) stateLocked() State {
	s := State{
		SessionID:     e.id,
		Phase:         e.phase,
		Leaves:        e.sortedLocked(),
		PendingLeaves: len(e.pending),
		MerkleRoot:    e.root,
		TreeHeight:    e.height,
		CreatedAt:     e.createdAt,
		UpdatedAt:     e.updatedAt,
		AnchorStatus:  e.anchorStatus,
		AnchorError:   e.anchorErr,
	}
	if e.phase == Finalized {
		at := e.finalizedAt
		s.FinalizedAt = &at
	}
	if len(e.anchorReceipts) > 0 {
		s.AnchorReceipts = append([]string(nil), e.anchorReceipts...)
	}
	return s
}

// Table is the set of live sessions. The table lock guards membership only;
// each session has its own lock, so chunks of different sessions never
// contend.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*entry)}
}

func (t *Table) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.sessions[id]
	return e, ok
}

func (t *Table) getOrCreate(id string) *entry {
	if e, ok := t.lookup(id); ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[id]; ok {
		return e
	}
	e := newEntry(id)
	t.sessions[id] = e
	return e
}

// Reservation holds a leaf slot between digest computation and storage.
// Exactly one of Commit or Rollback takes effect.
type Reservation struct {
	entry     *entry
	leaf      Leaf
	duplicate bool
	once      sync.Once
}

// Duplicate reports whether the same digest was already committed at this
// sequence number. Committing or rolling back a duplicate changes nothing.
func (r *Reservation) Duplicate() bool {
	return r.duplicate
}

// Leaf returns the reserved leaf.
func (r *Reservation) Leaf() Leaf {
	return r.leaf
}

// Commit makes the leaf part of the session.
func (r *Reservation) Commit() {
	if r.duplicate {
		return
	}
	r.once.Do(func() {
		e := r.entry
		e.mu.Lock()
		defer e.mu.Unlock()

		e.committed[r.leaf.SequenceNo] = r.leaf
		e.updatedAt = time.Now().UTC()
		e.resolveLocked(r.leaf.SequenceNo)
	})
}

// Rollback releases the slot without recording the leaf.
func (r *Reservation) Rollback() {
	if r.duplicate {
		return
	}
	r.once.Do(func() {
		e := r.entry
		e.mu.Lock()
		defer e.mu.Unlock()

		e.resolveLocked(r.leaf.SequenceNo)
	})
}

// Reserve claims sequence number seq of sessionID for a chunk with the given
// digest, creating the session on first use.
func (t *Table) Reserve(sessionID string, seq uint64, chunkID, hash string) (*Reservation, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	e := t.getOrCreate(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Open {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionAlreadyFinalized, sessionID, e.phase)
	}

	leaf := Leaf{SequenceNo: seq, ChunkID: chunkID, Hash: hash}
	if existing, ok := e.committed[seq]; ok {
		if existing.Hash != hash {
			return nil, fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, sessionID, seq)
		}
		return &Reservation{entry: e, leaf: existing, duplicate: true}, nil
	}
	if _, ok := e.pending[seq]; ok {
		return nil, fmt.Errorf("%w: session %s sequence %d", ErrSequencePending, sessionID, seq)
	}

	e.pending[seq] = leaf
	return &Reservation{entry: e, leaf: leaf}, nil
}

// Finalization is an in-progress transition to Finalized. The holder must
// call exactly one of Complete or Abort.
type Finalization struct {
	entry  *entry
	leaves []Leaf
	once   sync.Once
}

// Leaves returns the committed leaves ordered by sequence number.
func (f *Finalization) Leaves() []Leaf {
	return f.leaves
}

// Hashes returns the ordered leaf digests.
func (f *Finalization) Hashes() []string {
	out := make([]string, len(f.leaves))
	for i, l := range f.leaves {
		out[i] = l.Hash
	}
	return out
}

// Complete seals the session with its finalized tree.
func (f *Finalization) Complete(tree *merkle.Tree) error {
	return f.CompleteAt(tree, time.Now())
}

// CompleteAt is Complete with an explicit finalization time, used when a
// session sealed by another process is rebuilt.
func (f *Finalization) CompleteAt(tree *merkle.Tree, at time.Time) error {
	if tree == nil || !tree.IsFinalized() {
		return fmt.Errorf("session: complete %s: tree is not finalized", f.entry.id)
	}

	err := ErrSessionAlreadyFinalized
	f.once.Do(func() {
		e := f.entry
		e.mu.Lock()
		defer e.mu.Unlock()

		index := make(map[uint64]int, len(f.leaves))
		for i, l := range f.leaves {
			index[l.SequenceNo] = i
		}

		e.tree = tree
		e.index = index
		e.root = tree.Root()
		e.height = tree.Height()
		e.phase = Finalized
		e.finalizedAt = at.UTC()
		e.updatedAt = time.Now().UTC()
		if e.done != nil {
			close(e.done)
			e.done = nil
		}
		err = nil
	})
	return err
}

// Abort returns the session to Open. The finalizer uses it when there is
// nothing to seal or the wait for pending chunks is cancelled.
func (f *Finalization) Abort() {
	f.once.Do(func() {
		e := f.entry
		e.mu.Lock()
		defer e.mu.Unlock()
		e.abortLocked()
	})
}

func (e *entry) abortLocked() {
	e.phase = Open
	e.drained = nil
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// BeginFinalize moves sessionID to Finalizing, waits for every pending
// reservation to resolve and returns the committed leaves in sequence order.
// A concurrent finalizer waits for the first one to finish. A session that
// is already Finalized yields ErrSessionAlreadyFinalized.
func (t *Table) BeginFinalize(ctx context.Context, sessionID string) (*Finalization, error) {
	for {
		e, ok := t.lookup(sessionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		e.mu.Lock()
		switch e.phase {
		case Finalized:
			e.mu.Unlock()
			return nil, ErrSessionAlreadyFinalized

		case Finalizing:
			done := e.done
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e.phase = Finalizing
		e.done = make(chan struct{})
		var drained chan struct{}
		if len(e.pending) > 0 {
			drained = make(chan struct{})
			e.drained = drained
		}
		e.mu.Unlock()

		if drained != nil {
			select {
			case <-drained:
			case <-ctx.Done():
				e.mu.Lock()
				e.abortLocked()
				e.mu.Unlock()
				return nil, ctx.Err()
			}
		}

		e.mu.Lock()
		leaves := e.sortedLocked()
		e.mu.Unlock()

		return &Finalization{entry: e, leaves: leaves}, nil
	}
}

// Get returns a copy of the session state.
func (t *Table) Get(sessionID string) (State, bool) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return State{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(), true
}

// Snapshot returns the state of every session, ordered by id.
func (t *Table) Snapshot() []State {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	states := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		states = append(states, e.stateLocked())
		e.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].SessionID < states[j].SessionID
	})
	return states
}

// Tree returns the finalized tree of a session.
func (t *Table) Tree(sessionID string) (*merkle.Tree, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Finalized {
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, sessionID)
	}
	return e.tree, nil
}

// Proof returns the inclusion proof of the chunk at sequence number seq.
func (t *Table) Proof(sessionID string, seq uint64) (*merkle.Proof, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	e.mu.Lock()
	if e.phase != Finalized {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, sessionID)
	}
	i, ok := e.index[seq]
	tree := e.tree
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: session %s sequence %d", ErrSequenceNotFound, sessionID, seq)
	}
	proof, ok := tree.GenerateProof(i)
	if !ok {
		return nil, fmt.Errorf("%w: session %s sequence %d", ErrSequenceNotFound, sessionID, seq)
	}
	return proof, nil
}

// Remove drops a session. It reports whether the session existed.
func (t *Table) Remove(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	return ok
}

// EvictFinalizedBefore removes finalized sessions sealed before cutoff whose
// root is not waiting to be anchored, and returns their ids.
func (t *Table) EvictFinalizedBefore(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, e := range t.sessions {
		e.mu.Lock()
		old := e.phase == Finalized && e.finalizedAt.Before(cutoff) && e.anchorStatus != AnchorPending
		e.mu.Unlock()
		if old {
			delete(t.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Len returns the number of tracked sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ActiveCount returns the number of sessions not yet finalized.
func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.sessions {
		e.mu.Lock()
		if e.phase != Finalized {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// MarkAnchored records a confirmed anchor for a finalized session.
func (t *Table) MarkAnchored(sessionID string, receipts []string) error {
	return t.setAnchor(sessionID, AnchorConfirmed, "", receipts)
}

// MarkAnchorPending records that anchoring a finalized session failed and
// must be retried.
func (t *Table) MarkAnchorPending(sessionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.setAnchor(sessionID, AnchorPending, msg, nil)
}

func (t *Table) setAnchor(sessionID string, status AnchorStatus, msg string, receipts []string) error {
	e, ok := t.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Finalized {
		return fmt.Errorf("%w: %s", ErrNotFinalized, sessionID)
	}
	e.anchorStatus = status
	e.anchorErr = msg
	if receipts != nil {
		e.anchorReceipts = append([]string(nil), receipts...)
	}
	e.updatedAt = time.Now().UTC()
	return nil
}

// PendingAnchors returns the ids of finalized sessions awaiting anchoring.
func (t *Table) PendingAnchors() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, e := range t.sessions {
		e.mu.Lock()
		if e.anchorStatus == AnchorPending {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}
