// Package store persists sealed chunk blobs for the sealing pipeline.
//
// Three backends implement Store: SQLite for single-node deployments,
// Badger for high write volume, and an in-memory store used by tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chunkseal/internal/chunk"
)

var (
	ErrNotFound       = errors.New("store: record not found")
	ErrClosed         = errors.New("store: closed")
	ErrInvalidRecord  = errors.New("store: invalid record")
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// Record is one sealed chunk as persisted. Blob is the full encrypted blob
// including nonce (and salt in per-blob key mode).
type Record struct {
	SessionID  string          `json:"session_id"`
	ChunkID    string          `json:"chunk_id"`
	SequenceNo uint64          `json:"sequence_no"`
	Blob       []byte          `json:"blob"`
	Metadata   *chunk.Metadata `json:"metadata,omitempty"`
	StoredAt   time.Time       `json:"stored_at"`
}

func (r Record) validate() error {
	if r.SessionID == "" || r.ChunkID == "" {
		return fmt.Errorf("%w: session and chunk id are required", ErrInvalidRecord)
	}
	if len(r.Blob) == 0 {
		return fmt.Errorf("%w: empty blob", ErrInvalidRecord)
	}
	return nil
}

// Store is the storage collaborator. Put with an existing (session, chunk)
// pair replaces the previous record, so a retried chunk is idempotent.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID, chunkID string) (*Record, error)
	// List returns the session's records ordered by sequence number.
	List(ctx context.Context, sessionID string) ([]Record, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config selects and locates a backend.
type Config struct {
	Type string
	Path string
}

// Open opens the backend named by cfg.Type. An empty type means sqlite.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", BackendSQLite:
		return OpenSQLite(cfg.Path)
	case BackendBadger:
		return OpenBadger(cfg.Path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}

func cloneRecord(r Record) Record {
	out := r
	out.Blob = append([]byte(nil), r.Blob...)
	if r.Metadata != nil {
		md := *r.Metadata
		out.Metadata = &md
	}
	return out
}
