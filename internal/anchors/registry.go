package anchors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"chunkseal/internal/security"
)

// RegistryConfig configures the anchor registry.
type RegistryConfig struct {
	// ReceiptsDir receives one JSON file per receipt. Empty disables persistence.
	ReceiptsDir string
}

// Registry fans a commitment out to every enabled anchor.
type Registry struct {
	mu      sync.RWMutex
	anchors map[string]Anchor
	enabled map[string]bool
	order   []string

	config RegistryConfig
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		anchors: make(map[string]Anchor),
		enabled: make(map[string]bool),
		config:  config,
		logger:  logger.With("component", "anchors"),
	}
}

// Register adds an anchor and enables it. A second anchor with the same
// name replaces the first.
func (r *Registry) Register(a Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, ok := r.anchors[name]; !ok {
		r.order = append(r.order, name)
	}
	r.anchors[name] = a
	r.enabled[name] = true
}

// Get returns an anchor by name.
func (r *Registry) Get(name string) (Anchor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[name]
	return a, ok
}

// List returns registered anchor names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Enable enables a registered anchor.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAnchorNotFound, name)
	}
	r.enabled[name] = true
	return nil
}

// Disable disables an anchor.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// IsEnabled reports whether an anchor is enabled.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// EnabledNames returns the enabled anchors in registration order.
func (r *Registry) EnabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, n := range r.order {
		if r.enabled[n] {
			names = append(names, n)
		}
	}
	return names
}

// Commit submits req to all enabled anchors concurrently. It succeeds when
// at least one anchor returns a receipt; failed anchors are reported as
// receipts with StatusFailed alongside the successful ones.
func (r *Registry) Commit(ctx context.Context, req Request) ([]Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var targets []Anchor
	for _, n := range r.order {
		if r.enabled[n] {
			targets = append(targets, r.anchors[n])
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return nil, ErrNoAnchorsEnabled
	}

	type result struct {
		idx     int
		receipt *Receipt
		err     error
	}
	results := make(chan result, len(targets))
	for i, a := range targets {
		go func(idx int, a Anchor) {
			rc, err := a.Commit(ctx, req)
			results <- result{idx, rc, err}
		}(i, a)
	}

	ordered := make([]result, len(targets))
	for range targets {
		res := <-results
		ordered[res.idx] = res
	}

	var (
		receipts  []Receipt
		errs      error
		confirmed int
	)
	for i, res := range ordered {
		name := targets[i].Name()
		if res.err != nil {
			r.logger.Warn("anchor commit failed", "anchor", name, "session_id", req.SessionID, "error", res.err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, res.err))
			failed := newReceipt(name, req)
			failed.Status = StatusFailed
			failed.Error = res.err.Error()
			receipts = append(receipts, *failed)
			continue
		}
		confirmed++
		receipts = append(receipts, *res.receipt)
	}

	for _, rc := range receipts {
		if err := r.saveReceipt(rc); err != nil {
			r.logger.Warn("failed to save receipt", "anchor", rc.Anchor, "error", err)
		}
	}

	if confirmed == 0 {
		return receipts, fmt.Errorf("%w: %w", ErrAllAnchorsFailed, errs)
	}
	r.logger.Info("root anchored", "session_id", req.SessionID, "root", req.RootHash, "anchors", confirmed)
	return receipts, nil
}

// Verify checks a receipt against the anchor that issued it.
func (r *Registry) Verify(ctx context.Context, receipt Receipt) error {
	a, ok := r.Get(receipt.Anchor)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAnchorNotFound, receipt.Anchor)
	}
	if receipt.Status == StatusFailed {
		return fmt.Errorf("%w: receipt records a failed commit", ErrReceiptMismatch)
	}
	return a.Verify(ctx, receipt)
}

// Close closes every registered anchor that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for _, n := range r.order {
		if c, ok := r.anchors[n].(interface{ Close() error }); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}

func (r *Registry) saveReceipt(rc Receipt) error {
	if r.config.ReceiptsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.config.ReceiptsDir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("%s_%s_%s.json",
		rc.CreatedAt.Format("20060102_150405"), safeName(rc.SessionID), rc.ID)
	return security.WriteFile(filepath.Join(r.config.ReceiptsDir, filename), data, security.PermSecretFile)
}

// LoadReceipts reads persisted receipts, optionally filtered by session,
// ordered by creation time.
func (r *Registry) LoadReceipts(sessionID string) ([]Receipt, error) {
	if r.config.ReceiptsDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.config.ReceiptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var receipts []Receipt
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.config.ReceiptsDir, entry.Name()))
		if err != nil {
			continue
		}
		var rc Receipt
		if err := json.Unmarshal(data, &rc); err != nil {
			r.logger.Debug("skipping unreadable receipt", "file", entry.Name(), "error", err)
			continue
		}
		if sessionID != "" && rc.SessionID != sessionID {
			continue
		}
		receipts = append(receipts, rc)
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].CreatedAt.Before(receipts[j].CreatedAt) })
	return receipts, nil
}

// Stats summarizes persisted receipts.
type Stats struct {
	Registered []string       `json:"registered"`
	Enabled    []string       `json:"enabled"`
	ByStatus   map[Status]int `json:"by_status"`
}

// Stats returns registry statistics.
func (r *Registry) Stats() (*Stats, error) {
	receipts, err := r.LoadReceipts("")
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Registered: r.List(),
		Enabled:    r.EnabledNames(),
		ByStatus:   make(map[Status]int),
	}
	for _, rc := range receipts {
		st.ByStatus[rc.Status]++
	}
	return st, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
