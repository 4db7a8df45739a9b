// Package anchors commits finalized session roots to external timestamping
// or notarization targets and records the receipts they return.
package anchors

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAnchorNotFound   = errors.New("anchors: anchor not found")
	ErrNoAnchorsEnabled = errors.New("anchors: no anchors enabled")
	ErrAllAnchorsFailed = errors.New("anchors: all anchors failed")
	ErrInvalidRoot      = errors.New("anchors: invalid root hash")
	ErrReceiptNotFound  = errors.New("anchors: receipt not found")
	ErrReceiptMismatch  = errors.New("anchors: receipt does not match commitment")
	ErrChainBroken      = errors.New("anchors: ledger chain broken")
)

// Status of a receipt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Request is the commitment handed to each anchor: a session's finalized root.
type Request struct {
	SessionID   string    `json:"session_id"`
	RootHash    string    `json:"root_hash"`
	Algorithm   string    `json:"algorithm"`
	LeafCount   int       `json:"leaf_count"`
	TreeHeight  int       `json:"tree_height"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Validate checks that the request names a session and carries a hex root.
func (r Request) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session id is empty", ErrInvalidRoot)
	}
	if r.RootHash == "" || len(r.RootHash)%2 != 0 {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, r.RootHash)
	}
	if _, err := hex.DecodeString(r.RootHash); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if strings.ToLower(r.RootHash) != r.RootHash {
		return fmt.Errorf("%w: root hash must be lowercase hex", ErrInvalidRoot)
	}
	return nil
}

// Receipt is an anchor's acknowledgement of a commitment.
type Receipt struct {
	ID        string    `json:"id"`
	Anchor    string    `json:"anchor"`
	SessionID string    `json:"session_id"`
	RootHash  string    `json:"root_hash"`
	Status    Status    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	Proof     []byte    `json:"proof,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Anchor is one anchoring target.
type Anchor interface {
	// Name returns the anchor identifier, e.g. "ledger".
	Name() string

	// Commit records req and returns a receipt.
	Commit(ctx context.Context, req Request) (*Receipt, error)

	// Verify checks that the receipt was issued by this anchor for its root.
	Verify(ctx context.Context, receipt Receipt) error
}

func newReceipt(anchor string, req Request) *Receipt {
	return &Receipt{
		ID:        uuid.NewString(),
		Anchor:    anchor,
		SessionID: req.SessionID,
		RootHash:  req.RootHash,
		Status:    StatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}
}
