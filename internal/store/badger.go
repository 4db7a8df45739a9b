package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger is the BadgerDB-backed Store.
// Keys: "chunk" 0x00 sessionID 0x00 chunkID, values are JSON-encoded records.
type Badger struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

// OpenBadger opens or creates a Badger database in dir.
func OpenBadger(dir string) (*Badger, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: badger directory is empty", ErrInvalidRecord)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("chunk\x00" + sessionID + "\x00")
}

func chunkKey(sessionID, chunkID string) []byte {
	return append(sessionPrefix(sessionID), chunkID...)
}

func (b *Badger) handle() (*badger.DB, error) {
	if b.closed || b.db == nil {
		return nil, ErrClosed
	}
	return b.db, nil
}

func (b *Badger) Put(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return err
	}

	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(rec.SessionID, rec.ChunkID), val)
	})
	if err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, sessionID, chunkID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var rec Record
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(sessionID, chunkID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return &rec, nil
}

func (b *Badger) List(ctx context.Context, sessionID string) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var out []Record
	prefix := sessionPrefix(sessionID)
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (b *Badger) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return err
	}

	var keys [][]byte
	prefix := sessionPrefix(sessionID)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan session: %w", err)
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete chunk: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the database. Closing twice is a no-op.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.db == nil {
		b.closed = true
		return nil
	}
	b.closed = true
	return b.db.Close()
}
