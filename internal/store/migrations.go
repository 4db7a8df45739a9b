package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "chunk records",
		Up: `
CREATE TABLE IF NOT EXISTS chunks (
    session_id   TEXT NOT NULL,
    chunk_id     TEXT NOT NULL,
    sequence_no  INTEGER NOT NULL,
    blob         BLOB NOT NULL,
    stored_at    INTEGER NOT NULL,
    PRIMARY KEY (session_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_sequence ON chunks(session_id, sequence_no);
`,
		Down: `
DROP INDEX IF EXISTS idx_chunks_sequence;
DROP TABLE IF EXISTS chunks;
`,
	},
	{
		Version:     2,
		Description: "chunk metadata column",
		Up:          `ALTER TABLE chunks ADD COLUMN metadata TEXT;`,
		Down: `
CREATE TABLE chunks_v1 (
    session_id   TEXT NOT NULL,
    chunk_id     TEXT NOT NULL,
    sequence_no  INTEGER NOT NULL,
    blob         BLOB NOT NULL,
    stored_at    INTEGER NOT NULL,
    PRIMARY KEY (session_id, chunk_id)
);
INSERT INTO chunks_v1 SELECT session_id, chunk_id, sequence_no, blob, stored_at FROM chunks;
DROP TABLE chunks;
ALTER TABLE chunks_v1 RENAME TO chunks;
CREATE INDEX IF NOT EXISTS idx_chunks_sequence ON chunks(session_id, sequence_no);
`,
	},
}

// MigrateDB applies every migration newer than the recorded schema version.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(m.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus reports applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	current, err := schemaVersion(db)
	if err != nil {
		return nil, err
	}
	status := &MigrationStatus{
		CurrentVersion: current,
		LatestVersion:  migrations[len(migrations)-1].Version,
	}
	for _, m := range migrations {
		if m.Version > current {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}
