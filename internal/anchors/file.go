package anchors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileLine is one JSON line written by FileAnchor.
type fileLine struct {
	Receipt
	Request Request `json:"request"`
}

// FileAnchor appends one JSON line per commitment to a file, for pick-up by
// an external notarization process.
type FileAnchor struct {
	mu   sync.Mutex
	path string
}

// NewFileAnchor returns an anchor writing to path. The file is created on
// first commit.
func NewFileAnchor(path string) *FileAnchor {
	return &FileAnchor{path: path}
}

func (f *FileAnchor) Name() string { return "file" }

// Path returns the output file.
func (f *FileAnchor) Path() string { return f.path }

func (f *FileAnchor) Commit(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc := newReceipt(f.Name(), req)
	rc.Reference = f.path
	line, err := json.Marshal(fileLine{Receipt: *rc, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open anchor file: %w", err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		out.Close()
		return nil, fmt.Errorf("write anchor file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, fmt.Errorf("sync anchor file: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return rc, nil
}

// Verify scans the file for the receipt's line and compares the root.
func (f *FileAnchor) Verify(ctx context.Context, receipt Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	in, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrReceiptNotFound, receipt.ID)
		}
		return err
	}
	defer in.Close()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var l fileLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		if l.ID != receipt.ID {
			continue
		}
		if l.RootHash != receipt.RootHash || l.SessionID != receipt.SessionID {
			return ErrReceiptMismatch
		}
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read anchor file: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrReceiptNotFound, receipt.ID)
}
