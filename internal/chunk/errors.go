package chunk

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput covers empty or oversized chunks and malformed tasks.
	// Rejected synchronously and never retried automatically.
	KindInput
	// KindCrypto covers authentication and key derivation failures.
	KindCrypto
	// KindState covers caller misuse: unknown or finalized sessions.
	KindState
	// KindCollaborator covers storage and anchoring failures.
	KindCollaborator
	// KindCapacity covers queue-full and shutdown rejections.
	KindCapacity
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindCrypto:
		return "crypto"
	case KindState:
		return "state"
	case KindCollaborator:
		return "collaborator"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Input errors.
var (
	ErrEmptyChunk      = errors.New("chunk: payload is empty")
	ErrChunkTooLarge   = errors.New("chunk: payload exceeds maximum chunk size")
	ErrInvalidTask     = errors.New("chunk: invalid task")
	ErrInvalidMetadata = errors.New("chunk: metadata does not match schema")
)

// Error wraps a failure with its taxonomy kind and the chunk it concerns.
type Error struct {
	Kind      Kind
	SessionID string
	ChunkID   string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.ChunkID != "" {
		return fmt.Sprintf("%s chunk %s/%s: %v", e.Op, e.SessionID, e.ChunkID, e.Err)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches kind and identity to err. A nil err yields nil.
func Wrap(kind Kind, op string, t Task, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, SessionID: t.SessionID, ChunkID: t.ChunkID, Op: op, Err: err}
}

// KindOf reports the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Validate checks the structural fields of a task against maxSize.
// It does not inspect metadata content.
func (t Task) Validate(maxSize int) error {
	if t.SessionID == "" {
		return fmt.Errorf("%w: session id is empty", ErrInvalidTask)
	}
	if t.ChunkID == "" {
		return fmt.Errorf("%w: chunk id is empty", ErrInvalidTask)
	}
	if len(t.Payload) == 0 {
		return ErrEmptyChunk
	}
	if maxSize > 0 && len(t.Payload) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(t.Payload), maxSize)
	}
	return nil
}
