// Package keys derives per-session encryption keys from a long-lived master
// secret.
//
// Derivation is deterministic: the same master secret, installation salt and
// session id always yield the same key, so a session can be decrypted after a
// restart. Rotation only purges the in-memory cache; the next lookup derives
// the key again.
package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length of every derived key.
	KeySize = 32

	// MinMasterSecretSize is the shortest master secret accepted.
	MinMasterSecretSize = 32

	// MinInstallationSaltSize is the shortest installation salt accepted.
	MinInstallationSaltSize = 16

	// DefaultIterations is the PBKDF2 iteration count when none is configured.
	DefaultIterations = 100_000

	// BlobSaltSize is the salt length used in per-blob key mode.
	BlobSaltSize = 32

	// Domain separates session keys from any other use of the master secret.
	Domain = "chunkseal-session-v1"
	// PurposeDomain separates purpose keys from session keys.
	PurposeDomain = "chunkseal-purpose-v1"
)

// Errors
var (
	ErrKeyDerivation    = errors.New("keys: key derivation failed")
	ErrWeakKey          = errors.New("keys: master secret is too weak")
	ErrInvalidSessionID = errors.New("keys: session id is empty")
	ErrInvalidSalt      = errors.New("keys: invalid blob salt")
	ErrClosed           = errors.New("keys: manager is closed")
)

// KDF names a key derivation function.
type KDF string

const (
	KDFPBKDF2 KDF = "pbkdf2"
	KDFHKDF   KDF = "hkdf"
)

// ParseKDF maps a configuration string to a KDF. Empty selects PBKDF2.
func ParseKDF(s string) (KDF, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pbkdf2", "pbkdf2-sha256":
		return KDFPBKDF2, nil
	case "hkdf", "hkdf-sha256":
		return KDFHKDF, nil
	default:
		return "", fmt.Errorf("%w: unknown kdf %q", ErrKeyDerivation, s)
	}
}

// Config configures a Manager. MasterSecret is copied into locked memory and
// the caller's slice is wiped.
type Config struct {
	MasterSecret     []byte
	InstallationSalt []byte
	KDF              KDF
	Iterations       int
}

// Stats reports key manager activity.
type Stats struct {
	KDF          KDF       `json:"kdf"`
	Iterations   int       `json:"iterations,omitempty"`
	CachedKeys   int       `json:"keys_cached"`
	Derivations  uint64    `json:"derivations"`
	CacheHits    uint64    `json:"cache_hits"`
	Rotations    uint64    `json:"key_rotations"`
	Generation   uint64    `json:"key_generation"`
	LastRotation time.Time `json:"last_rotation,omitempty"`
	MemoryLocked bool      `json:"memory_locked"`
}

// Manager derives and caches session keys. It is safe for concurrent use.
// Lookups of cached keys take only a read lock.
type Manager struct {
	master     *SecureBytes
	salt       []byte
	kdf        KDF
	iterations int
	logger     *slog.Logger

	mu           sync.RWMutex
	cache        map[string]*SecureBytes
	generation   uint64
	lastRotation time.Time
	closed       bool

	derivations atomic.Uint64
	cacheHits   atomic.Uint64
	rotations   atomic.Uint64
}

// New validates cfg and returns a Manager. It refuses to start without a
// usable master secret.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.MasterSecret) == 0 {
		return nil, fmt.Errorf("%w: master secret is not configured", ErrKeyDerivation)
	}
	if err := ValidateKeyStrength(cfg.MasterSecret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivation, err)
	}
	if len(cfg.InstallationSalt) < MinInstallationSaltSize {
		return nil, fmt.Errorf("%w: installation salt is %d bytes, minimum %d required",
			ErrKeyDerivation, len(cfg.InstallationSalt), MinInstallationSaltSize)
	}

	kdf, err := ParseKDF(string(cfg.KDF))
	if err != nil {
		return nil, err
	}

	iterations := cfg.Iterations
	if kdf == KDFPBKDF2 {
		if iterations == 0 {
			iterations = DefaultIterations
		}
		if iterations < DefaultIterations {
			return nil, fmt.Errorf("%w: pbkdf2 iterations %d below minimum %d",
				ErrKeyDerivation, iterations, DefaultIterations)
		}
	} else {
		iterations = 0
	}

	salt := make([]byte, len(cfg.InstallationSalt))
	copy(salt, cfg.InstallationSalt)

	m := &Manager{
		master:       FromBytes(cfg.MasterSecret),
		salt:         salt,
		kdf:          kdf,
		iterations:   iterations,
		logger:       logger.With("component", "keys"),
		cache:        make(map[string]*SecureBytes),
		lastRotation: time.Now(),
	}

	m.logger.Info("key manager ready",
		"kdf", string(kdf),
		"iterations", iterations,
		"memory_locked", m.master.Locked(),
	)
	return m, nil
}

// KeyFor returns the key for sessionID, deriving and caching it on first use.
// The returned slice is a copy owned by the caller.
func (m *Manager) KeyFor(sessionID string) ([]byte, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	if sb, ok := m.cache[sessionID]; ok {
		key := cloneKey(sb.Bytes())
		m.mu.RUnlock()
		m.cacheHits.Add(1)
		return key, nil
	}
	generation := m.generation
	m.mu.RUnlock()

	// Derive without holding the lock; PBKDF2 is deliberately slow.
	key, err := m.derive(sessionID, nil)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		Wipe(key)
		return nil, ErrClosed
	}
	if _, ok := m.cache[sessionID]; !ok && m.generation == generation {
		m.cache[sessionID] = FromBytes(cloneKey(key))
	}
	return key, nil
}

// KeyForBlob derives a key bound to both sessionID and a per-blob salt.
// Blob keys are never cached.
func (m *Manager) KeyForBlob(sessionID string, salt []byte) ([]byte, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	if len(salt) != BlobSaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSalt, len(salt), BlobSaltSize)
	}

	return m.derive(sessionID, salt)
}

// NewBlobSalt returns a fresh random salt for per-blob key mode.
func NewBlobSalt() ([]byte, error) {
	salt := make([]byte, BlobSaltSize)
	if err := GenerateSecureRandom(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// PurposeKey derives a key that protects local state rather than chunks,
// e.g. the session journal. Purpose keys are never cached and cannot collide
// with session keys.
func (m *Manager) PurposeKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("%w: empty purpose", ErrKeyDerivation)
	}
	return m.deriveIn(PurposeDomain, purpose, nil)
}

func (m *Manager) derive(sessionID string, blobSalt []byte) ([]byte, error) {
	return m.deriveIn(Domain, sessionID, blobSalt)
}

// secrets copies the master secret and installation salt under the read
// lock so a concurrent Close cannot wipe them mid-derivation.
func (m *Manager) secrets() (master, salt []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || m.master.Len() == 0 {
		return nil, nil, ErrClosed
	}
	return cloneKey(m.master.Bytes()), cloneKey(m.salt), nil
}

func (m *Manager) deriveIn(domain, sessionID string, blobSalt []byte) ([]byte, error) {
	master, instSalt, err := m.secrets()
	if err != nil {
		return nil, err
	}
	defer Wipe(master)
	defer Wipe(instSalt)

	var key []byte
	switch m.kdf {
	case KDFHKDF:
		info := make([]byte, 0, len(domain)+1+len(sessionID)+len(blobSalt))
		info = append(info, domain...)
		info = append(info, 0)
		info = append(info, sessionID...)
		info = append(info, blobSalt...)

		key = make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, instSalt, info), key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyDerivation, err)
		}
	default:
		salt := make([]byte, 0, len(instSalt)+len(domain)+len(sessionID)+len(blobSalt))
		salt = append(salt, instSalt...)
		salt = append(salt, domain...)
		salt = append(salt, sessionID...)
		salt = append(salt, blobSalt...)

		key = pbkdf2.Key(master, salt, m.iterations, KeySize, sha256.New)
	}

	m.derivations.Add(1)
	return key, nil
}

// Rotate purges every cached key and advances the generation counter.
func (m *Manager) Rotate() uint64 {
	m.mu.Lock()
	purged := len(m.cache)
	for id, sb := range m.cache {
		sb.Destroy()
		delete(m.cache, id)
	}
	m.generation++
	m.lastRotation = time.Now()
	generation := m.generation
	m.mu.Unlock()

	m.rotations.Add(1)
	m.logger.Info("session key cache rotated",
		"key_generation", generation,
		"purged", purged,
	)
	return generation
}

// Forget drops the cached key of one session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.cache[sessionID]; ok {
		sb.Destroy()
		delete(m.cache, sessionID)
	}
}

// Close wipes the master secret and every cached key. Further lookups fail
// with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	for id, sb := range m.cache {
		sb.Destroy()
		delete(m.cache, id)
	}
	m.master.Destroy()
	Wipe(m.salt)
	m.closed = true
	return nil
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		KDF:          m.kdf,
		Iterations:   m.iterations,
		CachedKeys:   len(m.cache),
		Derivations:  m.derivations.Load(),
		CacheHits:    m.cacheHits.Load(),
		Rotations:    m.rotations.Load(),
		Generation:   m.generation,
		LastRotation: m.lastRotation,
		MemoryLocked: !m.closed && m.master.Locked(),
	}
}

func cloneKey(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
