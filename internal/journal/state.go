package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Anchor status values recorded for a session.
const (
	AnchorNone      = ""
	AnchorConfirmed = "confirmed"
	AnchorPending   = "pending"
)

// SessionRecord is the folded journal state of one session.
type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	RootHash    string    `json:"root_hash"`
	Algorithm   string    `json:"algorithm"`
	LeafCount   int       `json:"leaf_count"`
	TreeHeight  int       `json:"tree_height"`
	FinalizedAt time.Time `json:"finalized_at"`

	AnchorStatus   string   `json:"anchor_status,omitempty"`
	AnchorReceipts []string `json:"anchor_receipts,omitempty"`
	AnchorError    string   `json:"anchor_error,omitempty"`
}

type anchorUpdate struct {
	SessionID string   `json:"session_id"`
	Receipts  []string `json:"receipts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RecordFinalized appends a finalization entry.
func (j *Journal) RecordFinalized(rec SessionRecord) error {
	if rec.SessionID == "" || rec.RootHash == "" {
		return fmt.Errorf("journal: finalization record needs session and root")
	}
	rec.AnchorStatus, rec.AnchorReceipts, rec.AnchorError = AnchorNone, nil, ""
	return j.appendJSON(EntryFinalized, rec)
}

// RecordAnchored appends a confirmed anchoring entry.
func (j *Journal) RecordAnchored(sessionID string, receipts []string) error {
	return j.appendJSON(EntryAnchored, anchorUpdate{SessionID: sessionID, Receipts: receipts})
}

// RecordAnchorPending appends a failed anchoring attempt.
func (j *Journal) RecordAnchorPending(sessionID string, cause error) error {
	u := anchorUpdate{SessionID: sessionID}
	if cause != nil {
		u.Error = cause.Error()
	}
	return j.appendJSON(EntryAnchorPending, u)
}

func (j *Journal) appendJSON(t EntryType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: encode %s entry: %w", t, err)
	}
	_, err = j.Append(t, payload)
	return err
}

// Sessions replays the journal and returns the latest state of every
// finalized session. Anchor entries for sessions with no finalization
// entry are ignored.
func (j *Journal) Sessions() (map[string]SessionRecord, error) {
	entries, err := j.Entries()
	if err != nil {
		return nil, err
	}
	return Fold(entries)
}

// Fold reduces entries into per-session state.
func Fold(entries []Entry) (map[string]SessionRecord, error) {
	out := make(map[string]SessionRecord)
	for _, e := range entries {
		switch e.Type {
		case EntryFinalized:
			var rec SessionRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				return nil, fmt.Errorf("journal: entry %d: %w", e.Sequence, err)
			}
			out[rec.SessionID] = rec
		case EntryAnchored, EntryAnchorPending:
			var u anchorUpdate
			if err := json.Unmarshal(e.Payload, &u); err != nil {
				return nil, fmt.Errorf("journal: entry %d: %w", e.Sequence, err)
			}
			rec, ok := out[u.SessionID]
			if !ok {
				continue
			}
			if e.Type == EntryAnchored {
				rec.AnchorStatus = AnchorConfirmed
				rec.AnchorReceipts = u.Receipts
				rec.AnchorError = ""
			} else {
				rec.AnchorStatus = AnchorPending
				rec.AnchorError = u.Error
			}
			out[u.SessionID] = rec
		default:
			return nil, fmt.Errorf("journal: entry %d: unknown type %s", e.Sequence, e.Type)
		}
	}
	return out, nil
}
