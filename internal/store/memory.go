package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Failures can be injected for tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]map[string]Record
	closed   bool

	putErr   error
	failPuts int
	puts     int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]map[string]Record)}
}

// FailPuts makes the next n Put calls return err.
func (m *Memory) FailPuts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts = n
	m.putErr = err
}

// Puts returns the number of successful Put calls.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failPuts > 0 {
		m.failPuts--
		return m.putErr
	}

	recs, ok := m.sessions[rec.SessionID]
	if !ok {
		recs = make(map[string]Record)
		m.sessions[rec.SessionID] = recs
	}
	rec = cloneRecord(rec)
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now()
	}
	recs[rec.ChunkID] = rec
	m.puts++
	return nil
}

func (m *Memory) Get(ctx context.Context, sessionID, chunkID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.sessions[sessionID][chunkID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *Memory) List(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := m.sessions[sessionID]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (m *Memory) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
