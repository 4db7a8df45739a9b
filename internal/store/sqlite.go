package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chunkseal/internal/chunk"
)

// SQLite is the SQLite-backed Store.
type SQLite struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrInvalidRecord)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) handle() (*sql.DB, error) {
	if s.closed || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}

	var md []byte
	if rec.Metadata != nil {
		if md, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO chunks (session_id, chunk_id, sequence_no, blob, stored_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, chunk_id) DO UPDATE SET
			sequence_no = excluded.sequence_no,
			blob = excluded.blob,
			stored_at = excluded.stored_at,
			metadata = excluded.metadata`,
		rec.SessionID, rec.ChunkID, int64(rec.SequenceNo), rec.Blob, storedAt.UnixNano(), nullString(md),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, sessionID, chunkID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT session_id, chunk_id, sequence_no, blob, stored_at, metadata
		FROM chunks WHERE session_id = ? AND chunk_id = ?`, sessionID, chunkID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT session_id, chunk_id, sequence_no, blob, stored_at, metadata
		FROM chunks WHERE session_id = ? ORDER BY sequence_no ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM chunks WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the database. Closing twice is a no-op.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec      Record
		seq      int64
		storedAt int64
		md       sql.NullString
	)
	if err := sc.Scan(&rec.SessionID, &rec.ChunkID, &seq, &rec.Blob, &storedAt, &md); err != nil {
		return nil, err
	}
	rec.SequenceNo = uint64(seq)
	rec.StoredAt = time.Unix(0, storedAt)
	if md.Valid && md.String != "" {
		var m chunk.Metadata
		if err := json.Unmarshal([]byte(md.String), &m); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		rec.Metadata = &m
	}
	return &rec, nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
