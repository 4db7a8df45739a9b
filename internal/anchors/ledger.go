package anchors

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    session_id   TEXT NOT NULL,
    root_hash    TEXT NOT NULL,
    leaf_count   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    prev_hash    TEXT NOT NULL,
    entry_hash   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_session ON ledger_entries(session_id);
`

// genesisHash is the prev_hash of the first ledger entry.
var genesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// LedgerEntry is one row of the local ledger.
type LedgerEntry struct {
	Seq       int64
	ID        string
	SessionID string
	RootHash  string
	LeafCount int
	CreatedAt time.Time
	PrevHash  string
	EntryHash string
}

// LedgerAnchor records roots in a local SQLite ledger. Each entry commits to
// its predecessor's hash, so rewriting history breaks VerifyChain.
type LedgerAnchor struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*LedgerAnchor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &LedgerAnchor{db: db}, nil
}

func (l *LedgerAnchor) Name() string { return "ledger" }

// Commit appends an entry chained to the current head.
func (l *LedgerAnchor) Commit(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev := genesisHash
	err = tx.QueryRowContext(ctx, "SELECT entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1").Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}

	rc := newReceipt(l.Name(), req)
	entry := LedgerEntry{
		ID:        rc.ID,
		SessionID: req.SessionID,
		RootHash:  req.RootHash,
		LeafCount: req.LeafCount,
		CreatedAt: rc.CreatedAt,
		PrevHash:  prev,
	}
	entry.EntryHash = entry.computeHash()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, session_id, root_hash, leaf_count, created_at, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.RootHash, entry.LeafCount, entry.CreatedAt.UnixNano(), entry.PrevHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger entry: %w", err)
	}

	seq, _ := res.LastInsertId()
	rc.Reference = fmt.Sprintf("ledger:%d", seq)
	rc.Proof = []byte(entry.EntryHash)
	return rc, nil
}

// Verify checks that the receipt's entry exists, is intact and commits to
// the receipt's root.
func (l *LedgerAnchor) Verify(ctx context.Context, receipt Receipt) error {
	entry, err := l.entry(ctx, receipt.ID)
	if err != nil {
		return err
	}
	if entry.computeHash() != entry.EntryHash {
		return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, entry.Seq)
	}
	if entry.RootHash != receipt.RootHash || entry.SessionID != receipt.SessionID {
		return ErrReceiptMismatch
	}
	if len(receipt.Proof) > 0 && string(receipt.Proof) != entry.EntryHash {
		return ErrReceiptMismatch
	}
	return nil
}

// VerifyChain walks the whole ledger and checks every link.
// It returns the number of entries verified.
func (l *LedgerAnchor) VerifyChain(ctx context.Context) (int, error) {
	entries, err := l.Entries(ctx, "")
	if err != nil {
		return 0, err
	}
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return i, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Seq)
		}
		if e.computeHash() != e.EntryHash {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.EntryHash
	}
	return len(entries), nil
}

// Entries returns ledger entries in chain order, optionally for one session.
func (l *LedgerAnchor) Entries(ctx context.Context, sessionID string) ([]LedgerEntry, error) {
	query := `SELECT seq, id, session_id, root_hash, leaf_count, created_at, prev_hash, entry_hash
		FROM ledger_entries`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY seq ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Close closes the ledger database.
func (l *LedgerAnchor) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LedgerAnchor) entry(ctx context.Context, id string) (*LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, id, session_id, root_hash, leaf_count, created_at, prev_hash, entry_hash
		FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc rowScanner) (*LedgerEntry, error) {
	var (
		e         LedgerEntry
		createdAt int64
	)
	if err := sc.Scan(&e.Seq, &e.ID, &e.SessionID, &e.RootHash, &e.LeafCount, &createdAt, &e.PrevHash, &e.EntryHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

// computeHash is SHA-256 over the length-prefixed fields and the previous hash.
func (e LedgerEntry) computeHash() string {
	h := sha256.New()
	var buf [8]byte
	for _, s := range []string{e.PrevHash, e.ID, e.SessionID, e.RootHash} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	binary.BigEndian.PutUint64(buf[:], uint64(e.LeafCount))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.CreatedAt.UnixNano()))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}
