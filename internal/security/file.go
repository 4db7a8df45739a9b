// Package security holds the file handling rules for key material and
// other files chunkseal must not leave half-written or world-readable.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// PermSecretFile is for master secrets, salts and signing keys.
	PermSecretFile os.FileMode = 0600
	PermSecretDir  os.FileMode = 0700
	PermPublicFile os.FileMode = 0644
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrLocked              = errors.New("security: file is locked by another process")
)

// AtomicWriter writes to a temporary file next to path and renames it into
// place on Commit, so readers see either the old or the new contents.
type AtomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicWriter creates the temporary file with perm. Missing parent
// directories are created with PermSecretDir.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrAtomicWriteFailed)
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := clean + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return &AtomicWriter{path: clean, tempFile: f, tempPath: tempPath}, nil
}

func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (w *AtomicWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the temporary file.
func (w *AtomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFile writes data to path atomically with perm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// WriteSecretFile writes data with PermSecretFile.
func WriteSecretFile(path string, data []byte) error {
	return WriteFile(path, data, PermSecretFile)
}

// ReadSecretFile reads a file that must not be accessible to group or
// others. A maxSize of zero disables the size limit.
func ReadSecretFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}

// TryLock takes an exclusive advisory lock on f without blocking. It
// returns ErrLocked if another open file description holds the lock.
func TryLock(f *os.File) error {
	return tryLock(f)
}

// Unlock releases a lock taken with TryLock.
func Unlock(f *os.File) error {
	return unlock(f)
}
