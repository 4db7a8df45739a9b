package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"chunkseal/internal/security"
)

const rotatedLayout = "20060102-150405"

// FileRotator is an io.Writer over a log file that rolls over when the file
// would exceed MaxSize or the calendar day changes. Rolled files are named
// <name>-<timestamp>-<n><ext>. Compression and pruning of rolled files run
// on one background goroutine that Close waits for.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	day  string
	seq  int

	rolled chan string
	done   chan struct{}
	once   sync.Once
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize << 20,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		rolled:     make(chan string, 16),
		done:       make(chan struct{}),
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	go r.archiver()
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.day = time.Now().Format("20060102")
	return nil
}

// Write appends p, rolling the file over first when needed.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.needsRollover(int64(len(p))) {
		if err := r.rollover(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) needsRollover(n int64) bool {
	if r.size == 0 {
		return false
	}
	if r.maxBytes > 0 && r.size+n > r.maxBytes {
		return true
	}
	return time.Now().Format("20060102") != r.day
}

func (r *FileRotator) rollover() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	r.seq++
	dir, name, ext := r.parts()
	target := filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", name, time.Now().Format(rotatedLayout), r.seq, ext))
	if err := os.Rename(r.path, target); err != nil && !os.IsNotExist(err) {
		if openErr := r.open(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}
	r.rolled <- target
	return nil
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.path)
	ext = filepath.Ext(base)
	return filepath.Dir(r.path), strings.TrimSuffix(base, ext), ext
}

func (r *FileRotator) archiver() {
	defer close(r.done)
	for path := range r.rolled {
		if r.compress {
			if err := compressLog(path); err == nil {
				os.Remove(path)
			}
		}
		r.prune()
	}
}

// compressLog writes path.zst next to path.
func compressLog(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := security.NewAtomicWriter(path+".zst", 0640)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Abort()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Abort()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Abort()
		return err
	}
	return out.Commit()
}

// prune enforces MaxBackups and MaxAge on rolled files.
func (r *FileRotator) prune() {
	rolled, err := r.rolledFiles()
	if err != nil {
		return
	}

	if r.maxBackups > 0 && len(rolled) > r.maxBackups {
		for _, f := range rolled[:len(rolled)-r.maxBackups] {
			os.Remove(f)
		}
		rolled = rolled[len(rolled)-r.maxBackups:]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, f := range rolled {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// rolledFiles lists rolled files oldest first.
func (r *FileRotator) rolledFiles() ([]string, error) {
	dir, name, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}

	type rolled struct {
		path string
		mod  time.Time
	}
	files := make([]rolled, 0, len(matches))
	for _, m := range matches {
		if strings.Contains(filepath.Base(m), ".tmp.") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, rolled{m, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path < files[j].path
		}
		return files[i].mod.Before(files[j].mod)
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Files returns the active log file followed by rolled files, oldest first.
func (r *FileRotator) Files() ([]string, error) {
	rolled, err := r.rolledFiles()
	return append([]string{r.path}, rolled...), err
}

// Sync flushes the active file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the active file and waits for pending compression.
func (r *FileRotator) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		if r.file != nil {
			err = r.file.Close()
			r.file = nil
		}
		close(r.rolled)
		r.mu.Unlock()
		<-r.done
	})
	return err
}
