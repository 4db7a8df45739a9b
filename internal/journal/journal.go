// Package journal is an append-only, hash-chained log of session
// finalizations and anchoring outcomes.
//
// Chunk ciphertext lives in the store; the journal records what the store
// cannot: that a session was sealed, under which root, and whether the root
// was anchored. A pipeline restoring a session from the store replays the
// journal to bring it back in the right phase.
//
// Every entry carries a CRC32 for torn-write detection, the hash of its
// predecessor, and an HMAC under a key derived from the master secret.
package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chunkseal/internal/security"
)

const (
	Version    = 1
	Magic      = "CSJL"
	HeaderSize = 32
)

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	EntryFinalized     EntryType = 1
	EntryAnchored      EntryType = 2
	EntryAnchorPending EntryType = 3
)

func (t EntryType) String() string {
	switch t {
	case EntryFinalized:
		return "finalized"
	case EntryAnchored:
		return "anchored"
	case EntryAnchorPending:
		return "anchor_pending"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("journal: broken hash chain")
	ErrInvalidHMAC    = errors.New("journal: HMAC verification failed")
	ErrClosed         = errors.New("journal: closed")
	ErrShortKey       = errors.New("journal: HMAC key must be at least 32 bytes")
)

// fixed entry overhead: length, sequence, timestamp, type, payload length,
// previous hash, HMAC, CRC.
const entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

// maxEntrySize bounds a single entry read from disk.
const maxEntrySize = 1 << 20

// Entry is one journal record.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// Hash is the chain hash of the entry.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeBody(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeBody(w io.Writer, e *Entry) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence)
	w.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.UnixNano()))
	w.Write(buf[:])
	w.Write([]byte{byte(e.Type)})
	w.Write(e.Payload)
	w.Write(e.PrevHash[:])
}

func entryCRC(e *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeBody(crc, e)
	crc.Write(e.HMAC[:])
	return crc.Sum32()
}

// Stats reports journal size.
type Stats struct {
	Path         string `json:"path"`
	Entries      uint64 `json:"entries"`
	Bytes        int64  `json:"bytes"`
	LastSequence uint64 `json:"last_sequence"`
	// TruncatedBytes is the torn tail dropped when the journal was opened.
	TruncatedBytes int64 `json:"truncated_bytes"`
}

// Journal is safe for concurrent use.
type Journal struct {
	mu sync.Mutex

	path    string
	file    *os.File
	hmacKey []byte
	logger  *slog.Logger

	nextSequence uint64
	lastHash     [32]byte
	entryCount   uint64
	byteCount    int64
	truncated    int64
	closed       bool
}

// Open opens or creates the journal at path and locks it against other
// processes. A torn or corrupted tail left by a crash is cut off; entries
// before it are kept.
func Open(path string, hmacKey []byte, logger *slog.Logger) (*Journal, error) {
	if len(hmacKey) < 32 {
		return nil, ErrShortKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := security.TryLock(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("lock journal %s: %w", path, err)
	}

	j := &Journal{
		path:    path,
		file:    file,
		hmacKey: append([]byte(nil), hmacKey...),
		logger:  logger.With("component", "journal"),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		err = j.writeHeader()
	} else {
		err = j.recover(info.Size())
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	if _, err := j.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write journal header: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.byteCount = HeaderSize
	_, err := j.file.Seek(HeaderSize, io.SeekStart)
	return err
}

func (j *Journal) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := j.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read journal header: %w", err)
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, Version)
	}
	return nil
}

// recover scans to the last intact entry and truncates anything after it.
func (j *Journal) recover(size int64) error {
	if err := j.readHeader(); err != nil {
		return err
	}

	offset := int64(HeaderSize)
	for offset < size {
		e, n, err := j.readAt(offset)
		if err != nil {
			break
		}
		j.nextSequence = e.Sequence + 1
		j.lastHash = e.Hash()
		j.entryCount++
		offset += n
	}

	if offset < size {
		j.truncated = size - offset
		j.logger.Warn("journal tail truncated", "path", j.path, "bytes", j.truncated, "offset", offset)
		if err := j.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate journal: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return err
		}
	}

	j.byteCount = offset
	_, err := j.file.Seek(offset, io.SeekStart)
	return err
}

// readAt decodes the entry at offset and checks its CRC. It returns the
// encoded length.
func (j *Journal) readAt(offset int64) (*Entry, int64, error) {
	var lenBuf [4]byte
	if _, err := j.file.ReadAt(lenBuf[:], offset); err != nil {
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < entryOverhead || n > maxEntrySize {
		return nil, 0, fmt.Errorf("%w: length %d at offset %d", ErrCorruptedEntry, n, offset)
	}
	buf := make([]byte, n)
	if _, err := j.file.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	e, err := decode(buf)
	if err != nil {
		return nil, 0, err
	}
	if e.CRC32 != entryCRC(e) {
		return nil, 0, fmt.Errorf("entry %d: %w", e.Sequence, ErrCorruptedEntry)
	}
	return e, int64(n), nil
}

// Append writes one entry and syncs it to disk. It returns the entry's
// sequence number.
func (j *Journal) Append(t EntryType, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	e := &Entry{
		Sequence:  j.nextSequence,
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
		PrevHash:  j.lastHash,
	}
	e.HMAC = j.mac(e)
	e.CRC32 = entryCRC(e)

	data := encode(e)
	if len(data) > maxEntrySize {
		return 0, fmt.Errorf("journal: entry of %d bytes exceeds limit", len(data))
	}
	if _, err := j.file.Write(data); err != nil {
		return 0, fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync journal entry: %w", err)
	}

	j.lastHash = e.Hash()
	j.nextSequence++
	j.entryCount++
	j.byteCount += int64(len(data))
	return e.Sequence, nil
}

// Entries reads every entry, verifying CRC, chain links and HMACs.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}

	var (
		entries []Entry
		prev    [32]byte
	)
	for offset := int64(HeaderSize); offset < j.byteCount; {
		e, n, err := j.readAt(offset)
		if err != nil {
			return nil, fmt.Errorf("read journal at offset %d: %w", offset, err)
		}
		if e.PrevHash != prev {
			return nil, fmt.Errorf("entry %d: %w", e.Sequence, ErrBrokenChain)
		}
		if want := j.mac(e); !hmac.Equal(e.HMAC[:], want[:]) {
			return nil, fmt.Errorf("entry %d: %w", e.Sequence, ErrInvalidHMAC)
		}
		entries = append(entries, *e)
		prev = e.Hash()
		offset += n
	}
	return entries, nil
}

func (j *Journal) mac(e *Entry) [32]byte {
	h := hmac.New(sha256.New, j.hmacKey)
	writeBody(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Stats returns size counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Stats{
		Path:           j.path,
		Entries:        j.entryCount,
		Bytes:          j.byteCount,
		TruncatedBytes: j.truncated,
	}
	if j.nextSequence > 0 {
		s.LastSequence = j.nextSequence - 1
	}
	return s
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the file and wipes the HMAC key.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	clear(j.hmacKey)
	security.Unlock(j.file)
	return j.file.Close()
}

func encode(e *Entry) []byte {
	size := entryOverhead + len(e.Payload)
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:], uint32(size))
	off := 4
	binary.BigEndian.PutUint64(buf[off:], e.Sequence)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp.UnixNano()))
	off += 8
	buf[off] = byte(e.Type)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	off += copy(buf[off:], e.Payload)
	off += copy(buf[off:], e.PrevHash[:])
	off += copy(buf[off:], e.HMAC[:])
	binary.BigEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func decode(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, fmt.Errorf("%w: entry too short", ErrCorruptedEntry)
	}
	e := &Entry{}
	off := 4
	e.Sequence = binary.BigEndian.Uint64(data[off:])
	off += 8
	e.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(data[off:]))).UTC()
	off += 8
	e.Type = EntryType(data[off])
	off++
	plen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) != entryOverhead+plen {
		return nil, fmt.Errorf("%w: payload length %d does not fit entry", ErrCorruptedEntry, plen)
	}
	e.Payload = append([]byte(nil), data[off:off+plen]...)
	off += plen
	copy(e.PrevHash[:], data[off:off+32])
	off += 32
	copy(e.HMAC[:], data[off:off+32])
	off += 32
	e.CRC32 = binary.BigEndian.Uint32(data[off:])
	return e, nil
}
