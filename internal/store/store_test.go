package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chunkseal/internal/chunk"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "chunks.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			return s
		}},
		{"badger", func(t *testing.T) Store {
			s, err := OpenBadger(filepath.Join(t.TempDir(), "badger"))
			if err != nil {
				t.Fatalf("OpenBadger failed: %v", err)
			}
			return s
		}},
	}
}

func record(session, id string, seq uint64) Record {
	return Record{
		SessionID:  session,
		ChunkID:    id,
		SequenceNo: seq,
		Blob:       []byte("blob-" + id),
		Metadata: &chunk.Metadata{
			ChunkID:        id,
			SessionID:      session,
			SequenceNo:     seq,
			OriginalSize:   10,
			EncryptedSize:  38,
			CiphertextHash: "abc",
		},
	}
}

func TestPutAndGet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			if err := s.Put(ctx, record("s1", "c1", 0)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get(ctx, "s1", "c1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got.Blob, []byte("blob-c1")) {
				t.Errorf("blob mismatch: %q", got.Blob)
			}
			if got.Metadata == nil || got.Metadata.EncryptedSize != 38 {
				t.Errorf("metadata not preserved: %+v", got.Metadata)
			}
			if got.StoredAt.IsZero() {
				t.Error("StoredAt should be set")
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			_, err := s.Get(context.Background(), "s1", "nope")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPutReplaces(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			r := record("s1", "c1", 0)
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			r.Blob = []byte("second")
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			list, err := s.List(ctx, "s1")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("expected 1 record, got %d", len(list))
			}
			if string(list[0].Blob) != "second" {
				t.Errorf("expected replaced blob, got %q", list[0].Blob)
			}
		})
	}
}

func TestListOrderedBySequence(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			for _, r := range []Record{record("s1", "z", 2), record("s1", "a", 0), record("s1", "m", 1), record("s2", "x", 0)} {
				if err := s.Put(ctx, r); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
			}

			list, err := s.List(ctx, "s1")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 3 {
				t.Fatalf("expected 3 records, got %d", len(list))
			}
			for i, r := range list {
				if r.SequenceNo != uint64(i) {
					t.Errorf("position %d has sequence %d", i, r.SequenceNo)
				}
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			for _, r := range []Record{record("s1", "a", 0), record("s1", "b", 1), record("s2", "a", 0)} {
				if err := s.Put(ctx, r); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
			}
			if err := s.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession failed: %v", err)
			}

			list, err := s.List(ctx, "s1")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 0 {
				t.Errorf("expected s1 empty, got %d records", len(list))
			}
			if _, err := s.Get(ctx, "s2", "a"); err != nil {
				t.Errorf("other session should survive: %v", err)
			}
		})
	}
}

func TestInvalidRecord(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			err := s.Put(context.Background(), Record{SessionID: "s1", ChunkID: "c1"})
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestUseAfterClose(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			if err := s.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close should be a no-op: %v", err)
			}
			if err := s.Put(context.Background(), record("s1", "c1", 0)); !errors.Is(err, ErrClosed) {
				t.Errorf("expected ErrClosed, got %v", err)
			}
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("Open memory failed: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("expected *Memory, got %T", s)
	}

	s, err = Open(Config{Path: filepath.Join(dir, "default.db")})
	if err != nil {
		t.Fatalf("Open default failed: %v", err)
	}
	if _, ok := s.(*SQLite); !ok {
		t.Errorf("expected *SQLite, got %T", s)
	}
	s.Close()

	if _, err := Open(Config{Type: "cassandra"}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "chunks.db")

	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
}

func TestSQLiteReopenPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Put(ctx, record("s1", "c1", 0)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, "s1", "c1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected fully migrated, got %d of %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	status, _ = GetMigrationStatus(s.DB())
	if len(status.Pending) != 1 {
		t.Errorf("expected 1 pending migration after rollback, got %d", len(status.Pending))
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := s.Put(context.Background(), record("s1", "c1", 0)); err != nil {
		t.Errorf("Put after re-migrate failed: %v", err)
	}
}

func TestMemoryFailPuts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("disk full")

	m.FailPuts(1, boom)
	if err := m.Put(ctx, record("s1", "c1", 0)); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := m.Put(ctx, record("s1", "c1", 0)); err != nil {
		t.Fatalf("second Put should succeed: %v", err)
	}
	if m.Puts() != 1 {
		t.Errorf("expected 1 successful put, got %d", m.Puts())
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := record("s1", "c1", 0)
	if err := m.Put(ctx, r); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	r.Blob[0] = 'X'

	got, _ := m.Get(ctx, "s1", "c1")
	if got.Blob[0] == 'X' {
		t.Error("store should not alias caller's blob")
	}
}

func TestStoredAtPreserved(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			r := record("s1", "c1", 0)
			r.StoredAt = at
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := s.Get(ctx, "s1", "c1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !got.StoredAt.Equal(at) {
				t.Errorf("StoredAt = %v, want %v", got.StoredAt, at)
			}
		})
	}
}
