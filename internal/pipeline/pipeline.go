// Package pipeline coordinates chunk sealing for recorded sessions.
//
// A Pipeline owns one key manager, one session table and one worker pool.
// Each chunk is validated, keyed, digested, optionally compressed, encrypted
// and handed to the storage collaborator. The plaintext digest becomes the
// chunk's Merkle leaf at its sequence number. Finalize sorts the leaves by
// sequence number, builds the tree, seals the session and passes the root
// to the anchoring collaborator.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chunkseal/internal/aead"
	"chunkseal/internal/anchors"
	"chunkseal/internal/chunk"
	"chunkseal/internal/compress"
	"chunkseal/internal/journal"
	"chunkseal/internal/keys"
	"chunkseal/internal/logging"
	"chunkseal/internal/merkle"
	"chunkseal/internal/metrics"
	"chunkseal/internal/schedule"
	"chunkseal/internal/schemavalidation"
	"chunkseal/internal/session"
	"chunkseal/internal/store"
	"chunkseal/internal/workerpool"
)

var (
	ErrClosed            = errors.New("pipeline: shut down")
	ErrMissingDependency = errors.New("pipeline: missing dependency")
	ErrAnchoringDisabled = errors.New("pipeline: anchoring is not configured")
	ErrIntegrity         = errors.New("pipeline: decrypted chunk does not match its digest")
)

// Deps are the collaborators a Pipeline uses. Keys and Store are required.
// The pipeline takes ownership of Keys and closes it on Shutdown; Store and
// Anchors stay owned by the caller.
type Deps struct {
	Keys    *keys.Manager
	Store   store.Store
	Anchors *anchors.Registry

	// Journal persists finalizations and anchoring outcomes when set. It
	// stays owned by the caller.
	Journal *journal.Journal

	// SigningKey signs session manifests when set.
	SigningKey ed25519.PrivateKey

	// Validator overrides the metadata schema selected by Config.
	Validator *schemavalidation.Validator

	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// Pipeline is the chunk processing coordinator.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	keys      *keys.Manager
	cipher    *aead.Cipher
	codec     compress.Codec
	validator *schemavalidation.Validator
	table     *session.Table
	pool      *workerpool.Pool
	sched     *schedule.Scheduler

	store   store.Store
	anchors *anchors.Registry
	journal *journal.Journal
	signer  ed25519.PrivateKey
	metrics *metrics.Pipeline

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a pipeline and starts its worker pool. Zero fields of cfg take
// their defaults.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Keys == nil {
		return nil, fmt.Errorf("%w: key manager", ErrMissingDependency)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}

	def := DefaultConfig()
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.Cipher == "" {
		cfg.Cipher = def.Cipher
	}
	if cfg.Digest == "" {
		cfg.Digest = def.Digest
	}
	if cfg.KeyMode == "" {
		cfg.KeyMode = def.KeyMode
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cipher, err := aead.New(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	var codec compress.Codec
	if cfg.CompressionEnabled {
		cc := cfg.Compression
		if cc.MaxDecoded <= 0 {
			cc.MaxDecoded = int64(cfg.MaxChunkSize)
		}
		if codec, err = compress.New(cc); err != nil {
			return nil, err
		}
	}

	validator := deps.Validator
	if validator == nil && cfg.ValidateMetadata {
		if cfg.MetadataSchemaPath != "" {
			validator, err = schemavalidation.Load(cfg.MetadataSchemaPath)
		} else {
			validator, err = schemavalidation.Builtin(schemavalidation.ChunkMetadataSchema)
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: metadata schema: %w", err)
		}
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.NewPipeline(nil)
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
		keys:      deps.Keys,
		cipher:    cipher,
		codec:     codec,
		validator: validator,
		table:     session.NewTable(),
		pool:      workerpool.New(cfg.poolConfig(), logger),
		sched:     schedule.New(logger),
		store:     deps.Store,
		anchors:   deps.Anchors,
		journal:   deps.Journal,
		signer:    deps.SigningKey,
		metrics:   m,
	}

	p.logger.Info("pipeline ready",
		"workers", p.pool.Config().Workers,
		"queue_capacity", p.pool.Config().QueueCapacity,
		"backpressure", cfg.Backpressure.String(),
		"cipher", string(cfg.Cipher),
		"digest", string(cfg.Digest),
		"key_mode", string(cfg.KeyMode),
		"compression", cfg.CompressionEnabled,
	)
	return p, nil
}

// Config returns the configuration the pipeline runs with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ProcessChunk seals one chunk on the calling goroutine.
func (p *Pipeline) ProcessChunk(ctx context.Context, task chunk.Task) chunk.Result {
	if p.closed.Load() {
		return p.fail(ctx, task, chunk.Wrap(chunk.KindState, "process", task, ErrClosed), 0)
	}
	return p.process(ctx, task, 0)
}

// ProcessBatch submits every task to the worker pool and returns one result
// per task in input order. Tasks of another session fail with
// ErrInvalidTask. A task the pool refuses (queue full under fail-fast,
// shutdown, cancelled ctx) fails at its position; nothing is dropped.
func (p *Pipeline) ProcessBatch(ctx context.Context, sessionID string, tasks []chunk.Task) []chunk.Result {
	results := make([]chunk.Result, len(tasks))
	futures := make([]*workerpool.Future, len(tasks))
	ctx = logging.ContextWith(ctx, slog.String("batch_id", uuid.NewString()))
	attrs := logging.AttrsFromContext(ctx)

	for i, t := range tasks {
		if t.SessionID != sessionID {
			err := fmt.Errorf("%w: task belongs to session %q, batch is for %q", chunk.ErrInvalidTask, t.SessionID, sessionID)
			results[i] = p.fail(ctx, t, chunk.Wrap(chunk.KindInput, "batch", t, err), 0)
			continue
		}
		if p.closed.Load() {
			results[i] = p.fail(ctx, t, chunk.Wrap(chunk.KindState, "submit", t, ErrClosed), 0)
			continue
		}

		task := t
		f, err := p.pool.Submit(ctx, func(jobCtx context.Context, workerID int) (any, error) {
			r := p.process(logging.ContextWith(jobCtx, attrs...), task, workerID)
			return r, r.Err
		})
		if err != nil {
			results[i] = p.fail(ctx, task, chunk.Wrap(outcomeKind(err), "submit", task, err), 0)
			continue
		}
		futures[i] = f
	}

	for i, f := range futures {
		if f == nil {
			continue
		}
		out := f.Wait(ctx)
		if r, ok := out.Value.(chunk.Result); ok {
			results[i] = r
			continue
		}
		results[i] = p.fail(ctx, tasks[i], chunk.Wrap(outcomeKind(out.Err), "process", tasks[i], out.Err), out.Ran)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	p.logger.DebugContext(ctx, "batch processed", "session_id", sessionID, "tasks", len(tasks), "failed", failed)
	return results
}

func outcomeKind(err error) chunk.Kind {
	switch {
	case errors.Is(err, workerpool.ErrShutdown), errors.Is(err, workerpool.ErrPoolClosed):
		return chunk.KindState
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrTaskTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return chunk.KindCapacity
	default:
		return chunk.KindUnknown
	}
}

// fail records a failure that never reached process.
func (p *Pipeline) fail(ctx context.Context, t chunk.Task, err error, d time.Duration) chunk.Result {
	p.metrics.ObserveChunk(false, 0, 0, d)
	p.logger.WarnContext(ctx, "chunk rejected", "session_id", t.SessionID, "chunk_id", t.ChunkID, "error", err)
	return chunk.Failed(err, d)
}

func (p *Pipeline) process(ctx context.Context, task chunk.Task, workerID int) chunk.Result {
	start := time.Now()
	md, err := p.seal(ctx, task, workerID)
	d := time.Since(start)

	if err != nil {
		p.metrics.ObserveChunk(false, 0, 0, d)
		p.logger.WarnContext(ctx, "chunk failed",
			"session_id", task.SessionID,
			"chunk_id", task.ChunkID,
			"sequence_no", task.SequenceNo,
			"kind", chunk.KindOf(err).String(),
			"error", err,
		)
		return chunk.Failed(err, d)
	}

	md.ProcessingDuration = d
	p.metrics.ObserveChunk(true, md.OriginalSize, md.EncryptedSize, d)
	p.logger.DebugContext(ctx, "chunk sealed",
		"session_id", task.SessionID,
		"chunk_id", task.ChunkID,
		"sequence_no", task.SequenceNo,
		"worker_id", workerID,
		"duration", d,
	)
	return chunk.Succeeded(md, d)
}

// seal runs the per-chunk steps. The session lock is held only inside
// Reserve, Commit and Rollback, never across the storage call. Tasks queued
// before Shutdown still run here while the pool drains.
func (p *Pipeline) seal(ctx context.Context, task chunk.Task, workerID int) (*chunk.Metadata, error) {
	if err := task.Validate(p.cfg.MaxChunkSize); err != nil {
		return nil, chunk.Wrap(chunk.KindInput, "validate", task, err)
	}
	if p.validator != nil {
		if err := p.validator.ValidateStrings(task.Metadata); err != nil {
			return nil, chunk.Wrap(chunk.KindInput, "validate", task, fmt.Errorf("%w: %v", chunk.ErrInvalidMetadata, err))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, chunk.Wrap(chunk.KindCapacity, "process", task, err)
	}

	plaintextHash := merkle.HashLeafData(p.cfg.Digest, task.Payload)

	res, err := p.table.Reserve(task.SessionID, task.SequenceNo, task.ChunkID, plaintextHash)
	if err != nil {
		return nil, chunk.Wrap(chunk.KindState, "reserve", task, err)
	}
	if res.Duplicate() {
		md, err := p.storedMetadata(ctx, task.SessionID, res.Leaf())
		if err != nil {
			return nil, chunk.Wrap(chunk.KindCollaborator, "load", task, err)
		}
		return md, nil
	}

	md, blob, err := p.encode(task, plaintextHash, workerID)
	if err != nil {
		res.Rollback()
		return nil, err
	}

	rec := store.Record{
		SessionID:  task.SessionID,
		ChunkID:    task.ChunkID,
		SequenceNo: task.SequenceNo,
		Blob:       blob,
		Metadata:   md,
		StoredAt:   md.Timestamp,
	}
	if err := p.store.Put(ctx, rec); err != nil {
		res.Rollback()
		return nil, chunk.Wrap(chunk.KindCollaborator, "store", task, err)
	}
	res.Commit()
	return md, nil
}

// encode compresses and encrypts one chunk.
func (p *Pipeline) encode(task chunk.Task, plaintextHash string, workerID int) (*chunk.Metadata, []byte, error) {
	body, compression, err := compress.Shrink(p.codec, task.Payload)
	if err != nil {
		return nil, nil, chunk.Wrap(chunk.KindInput, "compress", task, err)
	}

	blob, err := p.encrypt(task.SessionID, body)
	if err != nil {
		return nil, nil, chunk.Wrap(chunk.KindCrypto, "encrypt", task, err)
	}

	md := &chunk.Metadata{
		ChunkID:        task.ChunkID,
		SessionID:      task.SessionID,
		SequenceNo:     task.SequenceNo,
		OriginalSize:   len(task.Payload),
		EncryptedSize:  len(blob),
		PlaintextHash:  plaintextHash,
		CiphertextHash: merkle.HashLeafData(p.cfg.Digest, blob),
		Timestamp:      time.Now().UTC(),
		WorkerID:       workerID,
		Compression:    compression,
		KeyMode:        string(p.cfg.KeyMode),
		Cipher:         string(p.cfg.Cipher),
		Attributes:     task.Metadata,
	}
	return md, blob, nil
}

// storedMetadata describes the blob an earlier attempt committed for leaf.
// Size and ciphertext digest always come from the stored bytes.
func (p *Pipeline) storedMetadata(ctx context.Context, sessionID string, leaf session.Leaf) (*chunk.Metadata, error) {
	rec, err := p.store.Get(ctx, sessionID, leaf.ChunkID)
	if err != nil {
		return nil, err
	}
	md := &chunk.Metadata{}
	if rec.Metadata != nil {
		*md = *rec.Metadata
	}
	md.SessionID = rec.SessionID
	md.ChunkID = rec.ChunkID
	md.SequenceNo = rec.SequenceNo
	md.PlaintextHash = leaf.Hash
	md.EncryptedSize = len(rec.Blob)
	md.CiphertextHash = merkle.HashLeafData(p.cfg.Digest, rec.Blob)
	if md.Timestamp.IsZero() {
		md.Timestamp = rec.StoredAt
	}
	return md, nil
}

func (p *Pipeline) encrypt(sessionID string, body []byte) ([]byte, error) {
	if p.cfg.KeyMode == KeyPerBlob {
		salt, err := keys.NewBlobSalt()
		if err != nil {
			return nil, err
		}
		key, err := p.keys.KeyForBlob(sessionID, salt)
		if err != nil {
			return nil, err
		}
		defer keys.Wipe(key)
		return p.cipher.EncryptSalted(key, salt, body)
	}

	key, err := p.keys.KeyFor(sessionID)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe(key)
	return p.cipher.Encrypt(key, body)
}
