package pipeline

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"chunkseal/internal/aead"
	"chunkseal/internal/anchors"
	"chunkseal/internal/chunk"
	"chunkseal/internal/compress"
	"chunkseal/internal/health"
	"chunkseal/internal/journal"
	"chunkseal/internal/keys"
	"chunkseal/internal/logging"
	"chunkseal/internal/merkle"
	"chunkseal/internal/session"
	"chunkseal/internal/store"
	"chunkseal/internal/workerpool"
)

func testKeys(t testing.TB) *keys.Manager {
	t.Helper()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i*13 + 5)
	}
	m, err := keys.New(keys.Config{
		MasterSecret:     secret,
		InstallationSalt: []byte("pipeline-test-salt"),
		KDF:              keys.KDFHKDF,
	}, logging.Discard())
	require.NoError(t, err)
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueCapacity = 64
	cfg.TaskTimeout = 5 * time.Second
	cfg.ShutdownGrace = 5 * time.Second
	cfg.MaxChunkSize = 1 << 20
	return cfg
}

type fixture struct {
	p     *Pipeline
	store *store.Memory
}

func newFixture(t testing.TB, cfg Config, mutate ...func(*Deps)) fixture {
	t.Helper()
	mem := store.NewMemory()
	deps := Deps{
		Keys:   testKeys(t),
		Store:  mem,
		Logger: logging.Discard(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return fixture{p: p, store: mem}
}

func payload(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s chunk %d: %s", session, seq, strings.Repeat("x", int(seq%7)*11)))
}

func task(session string, seq uint64) chunk.Task {
	return chunk.NewTask(session, fmt.Sprintf("%s-c%d", session, seq), seq, payload(session, seq), map[string]string{"source": "test"})
}

func ingest(t *testing.T, p *Pipeline, session string, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		r := p.ProcessChunk(context.Background(), task(session, seq))
		require.True(t, r.Success, "seq %d: %v", seq, r.Err)
	}
}

type stubAnchor struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (a *stubAnchor) Name() string { return a.name }

func (a *stubAnchor) Commit(ctx context.Context, req anchors.Request) (*anchors.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &anchors.Receipt{
		ID:        fmt.Sprintf("%s-%d", a.name, a.calls),
		Anchor:    a.name,
		SessionID: req.SessionID,
		RootHash:  req.RootHash,
		Status:    anchors.StatusConfirmed,
		CreatedAt: time.Now(),
	}, nil
}

func (a *stubAnchor) Verify(ctx context.Context, rc anchors.Receipt) error { return nil }

func (a *stubAnchor) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// =============================================================================
// Construction
// =============================================================================

func TestNewRequiresKeysAndStore(t *testing.T) {
	_, err := New(testConfig(), Deps{Store: store.NewMemory()})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(testConfig(), Deps{Keys: testKeys(t)})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestNewRejectsUnknownCipher(t *testing.T) {
	cfg := testConfig()
	cfg.Cipher = "rot13"
	_, err := New(cfg, Deps{Keys: testKeys(t), Store: store.NewMemory(), Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestNewFillsDefaults(t *testing.T) {
	f := newFixture(t, Config{})
	cfg := f.p.Config()
	assert.Equal(t, aead.AES256GCM, cfg.Cipher)
	assert.Equal(t, merkle.SHA256, cfg.Digest)
	assert.Equal(t, KeySession, cfg.KeyMode)
	assert.Equal(t, 10*1024*1024, cfg.MaxChunkSize)
}

func TestParseKeyMode(t *testing.T) {
	for in, want := range map[string]KeyMode{"": KeySession, "session": KeySession, "per-blob": KeyPerBlob, "PER_BLOB": KeyPerBlob} {
		got, err := ParseKeyMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKeyMode("per-chunk-ish")
	assert.Error(t, err)
}

// =============================================================================
// Chunk processing
// =============================================================================

func TestProcessChunkRoundTrip(t *testing.T) {
	for _, alg := range []aead.Algorithm{aead.AES256GCM, aead.XChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			cfg := testConfig()
			cfg.Cipher = alg
			f := newFixture(t, cfg)
			ctx := context.Background()

			tk := task("rt", 3)
			r := f.p.ProcessChunk(ctx, tk)
			require.True(t, r.Success, r.Error())

			md := r.Metadata
			assert.Equal(t, "rt", md.SessionID)
			assert.Equal(t, uint64(3), md.SequenceNo)
			assert.Equal(t, len(tk.Payload), md.OriginalSize)
			assert.Equal(t, merkle.HashLeafData(merkle.SHA256, tk.Payload), md.PlaintextHash)
			assert.NotEqual(t, md.PlaintextHash, md.CiphertextHash)
			assert.Equal(t, string(alg), md.Cipher)
			assert.Equal(t, "test", md.Attributes["source"])

			rec, err := f.store.Get(ctx, "rt", tk.ChunkID)
			require.NoError(t, err)
			assert.NotContains(t, string(rec.Blob), "rt chunk 3")
			assert.Equal(t, md.EncryptedSize, len(rec.Blob))

			got, err := f.p.Decrypt(ctx, "rt", tk.ChunkID)
			require.NoError(t, err)
			assert.Equal(t, tk.Payload, got)
		})
	}
}

func TestTamperedBlobFailsDecrypt(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	tk := task("tamper", 0)
	require.True(t, f.p.ProcessChunk(ctx, tk).Success)

	rec, err := f.store.Get(ctx, "tamper", tk.ChunkID)
	require.NoError(t, err)
	rec.Blob[len(rec.Blob)-1] ^= 0x01
	require.NoError(t, f.store.Put(ctx, *rec))

	_, err = f.p.Decrypt(ctx, "tamper", tk.ChunkID)
	assert.ErrorIs(t, err, aead.ErrAuthenticationFailed)
	assert.Equal(t, uint64(1), f.p.Metrics().Cipher.AuthFailures)
}

func TestOversizedChunkRejectedBeforeEncryption(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunkSize = 16
	f := newFixture(t, cfg)

	r := f.p.ProcessChunk(context.Background(), chunk.NewTask("big", "c0", 0, make([]byte, 17), nil))
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, chunk.ErrChunkTooLarge)
	assert.Equal(t, chunk.KindInput, chunk.KindOf(r.Err))

	m := f.p.Metrics()
	assert.Zero(t, m.Cipher.Encryptions)
	assert.Equal(t, uint64(1), m.ChunksFailed)
	assert.Zero(t, f.store.Puts())
}

func TestEmptyChunkRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	r := f.p.ProcessChunk(context.Background(), chunk.NewTask("s", "c0", 0, nil, nil))
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, chunk.ErrEmptyChunk)
}

func TestMetadataSchemaRejectsBadKeys(t *testing.T) {
	f := newFixture(t, testConfig())
	r := f.p.ProcessChunk(context.Background(), chunk.NewTask("s", "c0", 0, []byte("data"), map[string]string{"bad key!": "v"}))
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, chunk.ErrInvalidMetadata)
	assert.Equal(t, chunk.KindInput, chunk.KindOf(r.Err))

	cfg := testConfig()
	cfg.ValidateMetadata = false
	g := newFixture(t, cfg)
	r = g.p.ProcessChunk(context.Background(), chunk.NewTask("s", "c0", 0, []byte("data"), map[string]string{"bad key!": "v"}))
	assert.True(t, r.Success, r.Error())
}

func TestSequenceConflictAndDuplicate(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	first := chunk.NewTask("dup", "c0", 0, []byte("alpha"), nil)
	require.True(t, f.p.ProcessChunk(ctx, first).Success)

	again := f.p.ProcessChunk(ctx, first)
	assert.True(t, again.Success, again.Error())
	assert.Equal(t, 1, f.store.Puts())

	other := chunk.NewTask("dup", "c0-other", 0, []byte("beta"), nil)
	r := f.p.ProcessChunk(ctx, other)
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, session.ErrSequenceConflict)
	assert.Equal(t, chunk.KindState, chunk.KindOf(r.Err))
}

func TestDuplicateReportsStoredBlob(t *testing.T) {
	for _, mode := range []KeyMode{KeySession, KeyPerBlob} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := testConfig()
			cfg.KeyMode = mode
			f := newFixture(t, cfg)
			ctx := context.Background()

			tk := task("dup", 0)
			first := f.p.ProcessChunk(ctx, tk)
			require.True(t, first.Success, first.Error())

			again := f.p.ProcessChunk(ctx, tk)
			require.True(t, again.Success, again.Error())
			assert.Equal(t, 1, f.store.Puts())

			rec, err := f.store.Get(ctx, "dup", tk.ChunkID)
			require.NoError(t, err)
			stored := merkle.HashLeafData(f.p.Config().Digest, rec.Blob)

			assert.Equal(t, stored, first.Metadata.CiphertextHash)
			assert.Equal(t, stored, again.Metadata.CiphertextHash)
			assert.Equal(t, len(rec.Blob), again.Metadata.EncryptedSize)
			assert.Equal(t, first.Metadata.PlaintextHash, again.Metadata.PlaintextHash)
			assert.Equal(t, first.Metadata.Compression, again.Metadata.Compression)

			plain, err := f.p.Decrypt(ctx, "dup", tk.ChunkID)
			require.NoError(t, err)
			assert.Equal(t, tk.Payload, plain)
		})
	}
}

func TestStorageFailureRollsBackReservation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	diskFull := errors.New("disk full")
	f.store.FailPuts(1, diskFull)

	tk := task("flaky", 0)
	r := f.p.ProcessChunk(ctx, tk)
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, diskFull)
	assert.Equal(t, chunk.KindCollaborator, chunk.KindOf(r.Err))

	st, err := f.p.Session("flaky")
	require.NoError(t, err)
	assert.Empty(t, st.Leaves)
	assert.Zero(t, st.PendingLeaves)

	r = f.p.ProcessChunk(ctx, tk)
	require.True(t, r.Success, r.Error())
	assert.Equal(t, 1, f.store.Puts())

	root, err := f.p.Finalize(ctx, "flaky")
	require.NoError(t, err)
	want, err := merkle.BuildRoot(merkle.SHA256, []string{merkle.HashLeafData(merkle.SHA256, tk.Payload)})
	require.NoError(t, err)
	assert.Equal(t, want, root)
}

func TestPerBlobKeyMode(t *testing.T) {
	cfg := testConfig()
	cfg.KeyMode = KeyPerBlob
	f := newFixture(t, cfg)
	ctx := context.Background()

	a := chunk.NewTask("pb", "a", 0, []byte("same payload"), nil)
	b := chunk.NewTask("pb", "b", 1, []byte("same payload"), nil)
	ra := f.p.ProcessChunk(ctx, a)
	rb := f.p.ProcessChunk(ctx, b)
	require.True(t, ra.Success, ra.Error())
	require.True(t, rb.Success, rb.Error())
	assert.Equal(t, string(KeyPerBlob), ra.Metadata.KeyMode)
	assert.Equal(t, ra.Metadata.PlaintextHash, rb.Metadata.PlaintextHash)
	assert.NotEqual(t, ra.Metadata.CiphertextHash, rb.Metadata.CiphertextHash)

	recA, err := f.store.Get(ctx, "pb", "a")
	require.NoError(t, err)
	recB, err := f.store.Get(ctx, "pb", "b")
	require.NoError(t, err)
	assert.NotEqual(t, recA.Blob[:keys.BlobSaltSize], recB.Blob[:keys.BlobSaltSize])

	got, err := f.p.Decrypt(ctx, "pb", "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("same payload"), got)
}

func TestCompressionBeforeEncryption(t *testing.T) {
	cfg := testConfig()
	cfg.CompressionEnabled = true
	cfg.Compression = compress.Config{Algorithm: compress.Zstd}
	f := newFixture(t, cfg)
	ctx := context.Background()

	data := []byte(strings.Repeat("keystroke ", 2000))
	r := f.p.ProcessChunk(ctx, chunk.NewTask("z", "c0", 0, data, nil))
	require.True(t, r.Success, r.Error())
	assert.Equal(t, compress.Zstd, r.Metadata.Compression)
	assert.Less(t, r.Metadata.EncryptedSize, len(data))
	assert.Equal(t, merkle.HashLeafData(merkle.SHA256, data), r.Metadata.PlaintextHash)

	got, err := f.p.Decrypt(ctx, "z", "c0")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestIncompressibleChunkStoredRaw(t *testing.T) {
	cfg := testConfig()
	cfg.CompressionEnabled = true
	f := newFixture(t, cfg)

	salt, err := keys.NewBlobSalt()
	require.NoError(t, err)
	r := f.p.ProcessChunk(context.Background(), chunk.NewTask("z", "c0", 0, salt, nil))
	require.True(t, r.Success, r.Error())
	assert.Contains(t, []string{"", compress.None}, r.Metadata.Compression)
}

// =============================================================================
// Batches and backpressure
// =============================================================================

func TestProcessBatchPositionalResults(t *testing.T) {
	f := newFixture(t, testConfig())
	tasks := make([]chunk.Task, 10)
	for i := range tasks {
		tasks[i] = task("batch", uint64(i))
	}
	tasks[4] = chunk.NewTask("batch", "empty", 4, nil, nil)

	results := f.p.ProcessBatch(context.Background(), "batch", tasks)
	require.Len(t, results, 10)
	for i, r := range results {
		if i == 4 {
			assert.False(t, r.Success)
			assert.ErrorIs(t, r.Err, chunk.ErrEmptyChunk)
			continue
		}
		require.True(t, r.Success, "task %d: %v", i, r.Err)
		assert.Equal(t, uint64(i), r.Metadata.SequenceNo)
	}
}

func TestProcessBatchRejectsForeignSession(t *testing.T) {
	f := newFixture(t, testConfig())
	results := f.p.ProcessBatch(context.Background(), "mine", []chunk.Task{task("mine", 0), task("theirs", 1)})
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, chunk.ErrInvalidTask)
}

func waitQueued(t *testing.T, p *Pipeline, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Metrics().QueueDepth == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatchFailFastRejectsOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 2
	cfg.Backpressure = workerpool.FailFast
	f := newFixture(t, cfg)
	f.p.Pause()

	tasks := []chunk.Task{task("ff", 0), task("ff", 1), task("ff", 2), task("ff", 3)}
	done := make(chan []chunk.Result, 1)
	go func() { done <- f.p.ProcessBatch(context.Background(), "ff", tasks) }()

	waitQueued(t, f.p, 2)
	f.p.Resume()
	results := <-done

	require.Len(t, results, 4)
	assert.True(t, results[0].Success, results[0].Error())
	assert.True(t, results[1].Success, results[1].Error())
	for _, r := range results[2:] {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Err, workerpool.ErrQueueFull)
		assert.Equal(t, chunk.KindCapacity, chunk.KindOf(r.Err))
	}
}

func TestOutcomeKind(t *testing.T) {
	tests := []struct {
		err  error
		want chunk.Kind
	}{
		{workerpool.ErrPoolClosed, chunk.KindState},
		{fmt.Errorf("submit: %w", workerpool.ErrPoolClosed), chunk.KindState},
		{workerpool.ErrShutdown, chunk.KindState},
		{workerpool.ErrQueueFull, chunk.KindCapacity},
		{workerpool.ErrTaskTimeout, chunk.KindCapacity},
		{context.Canceled, chunk.KindCapacity},
		{context.DeadlineExceeded, chunk.KindCapacity},
		{errors.New("other"), chunk.KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcomeKind(tt.err), "%v", tt.err)
	}
}

func TestBatchCancelledWhileBlockedIsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	cfg.Backpressure = workerpool.Block
	f := newFixture(t, cfg)
	f.p.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []chunk.Result, 1)
	go func() { done <- f.p.ProcessBatch(ctx, "cb", []chunk.Task{task("cb", 0), task("cb", 1)}) }()

	waitQueued(t, f.p, 1)
	cancel()
	f.p.Resume()
	results := <-done

	require.Len(t, results, 2)
	require.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
	assert.Equal(t, chunk.KindCapacity, chunk.KindOf(results[1].Err))
}

func TestBatchBlockWaitsForCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 2
	cfg.Backpressure = workerpool.Block
	f := newFixture(t, cfg)
	f.p.Pause()

	tasks := []chunk.Task{task("blk", 0), task("blk", 1), task("blk", 2), task("blk", 3)}
	done := make(chan []chunk.Result, 1)
	go func() { done <- f.p.ProcessBatch(context.Background(), "blk", tasks) }()

	waitQueued(t, f.p, 2)
	select {
	case <-done:
		t.Fatal("batch finished while the pool was paused")
	case <-time.After(50 * time.Millisecond):
	}

	f.p.Resume()
	results := <-done
	for i, r := range results {
		assert.True(t, r.Success, "task %d: %v", i, r.Err)
	}
	st, err := f.p.Session("blk")
	require.NoError(t, err)
	assert.Len(t, st.Leaves, 4)
}

// =============================================================================
// Finalization
// =============================================================================

func TestFinalizeOrdersBySequence(t *testing.T) {
	inOrder := newFixture(t, testConfig())
	ingest(t, inOrder.p, "s", 0, 1, 2)
	rootA, err := inOrder.p.Finalize(context.Background(), "s")
	require.NoError(t, err)

	shuffled := newFixture(t, testConfig())
	ingest(t, shuffled.p, "s", 2, 0, 1)
	rootB, err := shuffled.p.Finalize(context.Background(), "s")
	require.NoError(t, err)

	assert.Equal(t, rootA, rootB)

	leaves := []string{
		merkle.HashLeafData(merkle.SHA256, payload("s", 0)),
		merkle.HashLeafData(merkle.SHA256, payload("s", 1)),
		merkle.HashLeafData(merkle.SHA256, payload("s", 2)),
	}
	want, err := merkle.BuildRoot(merkle.SHA256, leaves)
	require.NoError(t, err)
	assert.Equal(t, want, rootA)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "idem", 0, 1)
	ctx := context.Background()

	root, err := f.p.Finalize(ctx, "idem")
	require.NoError(t, err)
	again, err := f.p.Finalize(ctx, "idem")
	require.NoError(t, err)
	assert.Equal(t, root, again)
	assert.Equal(t, uint64(1), f.p.Metrics().SessionsFinalized)

	got, err := f.p.Root("idem")
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestChunkAfterFinalizeRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "closed", 0)
	_, err := f.p.Finalize(context.Background(), "closed")
	require.NoError(t, err)

	r := f.p.ProcessChunk(context.Background(), task("closed", 1))
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, session.ErrSessionAlreadyFinalized)
}

func TestFinalizeUnknownSession(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.p.Finalize(context.Background(), "ghost")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.p.Root("ghost")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRootBeforeFinalize(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "open", 0)
	_, err := f.p.Root("open")
	assert.ErrorIs(t, err, session.ErrNotFinalized)
	_, err = f.p.Proof("open", 0)
	assert.ErrorIs(t, err, session.ErrNotFinalized)
}

func TestConcurrentFinalizeAgrees(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "race", 0, 1, 2, 3, 4)

	var wg sync.WaitGroup
	roots := make([]string, 8)
	for i := range roots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.p.Finalize(context.Background(), "race")
			assert.NoError(t, err)
			roots[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range roots[1:] {
		assert.Equal(t, roots[0], r)
	}
}

func TestProofsVerify(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "proof", 4, 0, 3, 1, 2)
	root, err := f.p.Finalize(context.Background(), "proof")
	require.NoError(t, err)

	for seq := uint64(0); seq < 5; seq++ {
		p, err := f.p.Proof("proof", seq)
		require.NoError(t, err)
		assert.Equal(t, root, p.RootHash)
		assert.Equal(t, int(seq), p.LeafIndex)
		assert.True(t, f.p.VerifyProof(p))

		bad := *p
		bad.LeafHash = merkle.HashLeafData(merkle.SHA256, []byte("forged"))
		assert.False(t, f.p.VerifyProof(&bad))
	}

	_, err = f.p.Proof("proof", 99)
	assert.ErrorIs(t, err, session.ErrSequenceNotFound)
	assert.Equal(t, uint64(5), f.p.Metrics().ProofsGenerated)
	assert.False(t, f.p.VerifyProof(nil))
}

func TestManifestSigned(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f := newFixture(t, testConfig(), func(d *Deps) { d.SigningKey = priv })
	ctx := context.Background()
	ingest(t, f.p, "man", 1, 0, 2)

	_, err = f.p.Manifest(ctx, "man")
	assert.ErrorIs(t, err, session.ErrNotFinalized)

	root, err := f.p.Finalize(ctx, "man")
	require.NoError(t, err)

	m, err := f.p.Manifest(ctx, "man")
	require.NoError(t, err)
	assert.Equal(t, root, m.RootHash)
	require.Len(t, m.Chunks, 3)
	for i, e := range m.Chunks {
		assert.Equal(t, uint64(i), e.SequenceNo)
		assert.Equal(t, e.LeafHash, e.PlaintextHash)
		assert.NotEmpty(t, e.CiphertextHash)
	}
	assert.True(t, m.Signed())
	assert.NoError(t, m.Verify(pub))
}

// =============================================================================
// Anchoring
// =============================================================================

func anchorRegistry(a *stubAnchor) *anchors.Registry {
	reg := anchors.NewRegistry(anchors.RegistryConfig{}, logging.Discard())
	reg.Register(a)
	return reg
}

func newAnchored(t *testing.T, a *stubAnchor) fixture {
	return newFixture(t, testConfig(), func(d *Deps) { d.Anchors = anchorRegistry(a) })
}

func TestFinalizeAnchorsRoot(t *testing.T) {
	a := &stubAnchor{name: "stub"}
	f := newAnchored(t, a)
	ingest(t, f.p, "anc", 0, 1)

	_, err := f.p.Finalize(context.Background(), "anc")
	require.NoError(t, err)

	st, err := f.p.Session("anc")
	require.NoError(t, err)
	assert.Equal(t, session.AnchorConfirmed, st.AnchorStatus)
	assert.Equal(t, []string{"stub-1"}, st.AnchorReceipts)
	assert.Empty(t, f.p.PendingAnchors())
	assert.Equal(t, uint64(1), f.p.Metrics().AnchorsConfirmed)
}

func TestAnchorFailureLeavesRootPending(t *testing.T) {
	a := &stubAnchor{name: "stub", err: errors.New("notary unreachable")}
	f := newAnchored(t, a)
	ctx := context.Background()
	ingest(t, f.p, "pend", 0, 1, 2)

	root, err := f.p.Finalize(ctx, "pend")
	require.NoError(t, err)
	assert.NotEmpty(t, root)

	st, err := f.p.Session("pend")
	require.NoError(t, err)
	assert.Equal(t, session.Finalized, st.Phase)
	assert.Equal(t, session.AnchorPending, st.AnchorStatus)
	assert.Contains(t, st.AnchorError, "notary unreachable")
	assert.Equal(t, []string{"pend"}, f.p.PendingAnchors())
	assert.Equal(t, uint64(1), f.p.Metrics().AnchorFailures)

	// Pending sessions survive retention sweeps.
	assert.Empty(t, f.p.Sweep(time.Now().Add(48*time.Hour)))

	a.setErr(nil)
	require.NoError(t, f.p.Reanchor(ctx, "pend"))
	st, err = f.p.Session("pend")
	require.NoError(t, err)
	assert.Equal(t, session.AnchorConfirmed, st.AnchorStatus)
	assert.Empty(t, f.p.PendingAnchors())
}

func TestReanchorWithoutRegistry(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.ErrorIs(t, f.p.Reanchor(context.Background(), "x"), ErrAnchoringDisabled)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCleanupForgetsSession(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "gone", 0)
	require.NoError(t, f.p.Cleanup("gone"))

	_, err := f.p.Session("gone")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.ErrorIs(t, f.p.Cleanup("gone"), session.ErrSessionNotFound)
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "old", 0)
	ingest(t, f.p, "live", 0)
	_, err := f.p.Finalize(context.Background(), "old")
	require.NoError(t, err)

	assert.Empty(t, f.p.Sweep(time.Now()))
	assert.Equal(t, []string{"old"}, f.p.Sweep(time.Now().Add(25*time.Hour)))
	_, err = f.p.Session("live")
	assert.NoError(t, err)
}

func TestRestoreFromStore(t *testing.T) {
	ingested := newFixture(t, testConfig())
	ingest(t, ingested.p, "re", 2, 0, 1)
	want, err := ingested.p.Finalize(context.Background(), "re")
	require.NoError(t, err)

	deps := func(d *Deps) { d.Store = ingested.store }
	fresh := newFixture(t, testConfig(), deps)
	n, err := fresh.p.Restore(context.Background(), "re")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = fresh.p.Restore(context.Background(), "re")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := fresh.p.Finalize(context.Background(), "re")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = fresh.p.Restore(context.Background(), "nothing-stored")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func openJournal(t *testing.T, path string) *journal.Journal {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	j, err := journal.Open(path, key, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRestoresFinalizedSession(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.journal")
	a := &stubAnchor{name: "stub"}

	j1 := openJournal(t, path)
	first := newFixture(t, testConfig(), func(d *Deps) {
		d.Journal = j1
		d.Anchors = anchorRegistry(a)
	})
	ingest(t, first.p, "jr", 0, 1, 2)
	want, err := first.p.Finalize(ctx, "jr")
	require.NoError(t, err)
	want1, err := first.p.Session("jr")
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	second := newFixture(t, testConfig(), func(d *Deps) {
		d.Store = first.store
		d.Journal = openJournal(t, path)
		d.Anchors = anchorRegistry(a)
	})
	_, err = second.p.Restore(ctx, "jr")
	require.NoError(t, err)

	st, err := second.p.Session("jr")
	require.NoError(t, err)
	assert.Equal(t, session.Finalized, st.Phase)
	assert.Equal(t, want, st.MerkleRoot)
	assert.Equal(t, session.AnchorConfirmed, st.AnchorStatus)
	assert.Equal(t, []string{"stub-1"}, st.AnchorReceipts)
	require.NotNil(t, st.FinalizedAt)
	assert.True(t, want1.FinalizedAt.Equal(*st.FinalizedAt))

	// Finalizing the restored session neither re-anchors nor rejournals.
	got, err := second.p.Finalize(ctx, "jr")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, a.calls)

	r := second.p.ProcessChunk(ctx, task("jr", 3))
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, session.ErrSessionAlreadyFinalized)
}

func TestJournalRecordsPendingAnchor(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.journal")
	a := &stubAnchor{name: "stub", err: errors.New("offline")}
	j := openJournal(t, path)

	f := newFixture(t, testConfig(), func(d *Deps) {
		d.Journal = j
		d.Anchors = anchorRegistry(a)
	})
	ingest(t, f.p, "jp", 0)
	_, err := f.p.Finalize(ctx, "jp")
	require.NoError(t, err)

	sessions, err := j.Sessions()
	require.NoError(t, err)
	assert.Equal(t, journal.AnchorPending, sessions["jp"].AnchorStatus)
	assert.Equal(t, "offline", sessions["jp"].AnchorError)

	a.setErr(nil)
	require.NoError(t, f.p.Reanchor(ctx, "jp"))
	sessions, err = j.Sessions()
	require.NoError(t, err)
	assert.Equal(t, journal.AnchorConfirmed, sessions["jp"].AnchorStatus)
}

func TestJournalRootMismatchFailsRestore(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, filepath.Join(t.TempDir(), "sessions.journal"))

	first := newFixture(t, testConfig())
	ingest(t, first.p, "jm", 0, 1)

	require.NoError(t, j.RecordFinalized(journal.SessionRecord{
		SessionID:   "jm",
		RootHash:    strings.Repeat("0", 64),
		Algorithm:   "sha256",
		LeafCount:   2,
		FinalizedAt: time.Now(),
	}))

	second := newFixture(t, testConfig(), func(d *Deps) {
		d.Store = first.store
		d.Journal = j
	})
	_, err := second.p.Restore(ctx, "jm")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestRotateKeysKeepsDecryptable(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	tk := task("rot", 0)
	require.True(t, f.p.ProcessChunk(ctx, tk).Success)

	gen := f.p.RotateKeys()
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, uint64(1), f.p.Metrics().KeyRotations)

	got, err := f.p.Decrypt(ctx, "rot", tk.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, tk.Payload, got)
}

func TestHandleDispatch(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	resp, err := f.p.Handle(ctx, ProcessChunkRequest{Task: task("h", 0)})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Success)

	resp, err = f.p.Handle(ctx, ProcessBatchRequest{SessionID: "h", Tasks: []chunk.Task{task("h", 1), task("h", 2)}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	resp, err = f.p.Handle(ctx, FinalizeRequest{SessionID: "h"})
	require.NoError(t, err)
	root := resp.Root
	assert.NotEmpty(t, root)

	resp, err = f.p.Handle(ctx, ProofRequest{SessionID: "h", SequenceNo: 2})
	require.NoError(t, err)
	assert.Equal(t, root, resp.Root)
	assert.True(t, f.p.VerifyProof(resp.Proof))

	resp, err = f.p.Handle(ctx, RotateKeysRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Generation)

	_, err = f.p.Handle(ctx, CleanupRequest{SessionID: "h"})
	require.NoError(t, err)

	_, err = f.p.Handle(ctx, nil)
	assert.Error(t, err)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	ingest(t, f.p, "sd", 0)

	require.NoError(t, f.p.Shutdown(ctx))
	require.NoError(t, f.p.Shutdown(ctx))

	r := f.p.ProcessChunk(ctx, task("sd", 1))
	require.False(t, r.Success)
	assert.ErrorIs(t, r.Err, ErrClosed)

	results := f.p.ProcessBatch(ctx, "sd", []chunk.Task{task("sd", 2)})
	assert.ErrorIs(t, results[0].Err, ErrClosed)

	_, err := f.p.Finalize(ctx, "sd")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownDrainsQueuedChunks(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	f := newFixture(t, cfg)
	f.p.Pause()

	tasks := make([]chunk.Task, 5)
	for i := range tasks {
		tasks[i] = task("drain", uint64(i))
	}
	done := make(chan []chunk.Result, 1)
	go func() { done <- f.p.ProcessBatch(context.Background(), "drain", tasks) }()
	waitQueued(t, f.p, 5)

	require.NoError(t, f.p.Shutdown(context.Background()))
	for i, r := range <-done {
		assert.True(t, r.Success, "task %d: %v", i, r.Err)
	}
	assert.Equal(t, 5, f.store.Puts())
}

func TestStartSchedulesMaintenance(t *testing.T) {
	cfg := testConfig()
	cfg.KeyRotationInterval = 10 * time.Millisecond
	cfg.MetricsLogInterval = 0
	cfg.CleanupInterval = 0
	f := newFixture(t, cfg)

	require.NoError(t, f.p.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return f.p.Metrics().KeyRotations >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegisterHealth(t *testing.T) {
	f := newFixture(t, testConfig())
	c := health.NewChecker()
	f.p.RegisterHealth(c, 0)

	assert.ElementsMatch(t, []string{"worker_pool", "keys", "storage"}, c.Components())
	results := c.Check(context.Background())
	for name, r := range results {
		assert.Equal(t, health.StatusHealthy, r.Status, "%s: %s", name, r.Message)
	}

	f.p.Pause()
	r, ok := c.CheckComponent(context.Background(), "worker_pool")
	require.True(t, ok)
	assert.Equal(t, health.StatusDegraded, r.Status)
}

func TestRegisterHealthWithJournal(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "sessions.journal"))
	f := newFixture(t, testConfig(), func(d *Deps) { d.Journal = j })
	c := health.NewChecker()
	f.p.RegisterHealth(c, 0)

	r, ok := c.CheckComponent(context.Background(), "journal")
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, r.Status)

	require.NoError(t, j.Close())
	r, _ = c.CheckComponent(context.Background(), "journal")
	assert.NotEqual(t, health.StatusHealthy, r.Status)
}

func TestMetricsAccumulate(t *testing.T) {
	f := newFixture(t, testConfig())
	ingest(t, f.p, "m", 0, 1, 2)
	f.p.ProcessChunk(context.Background(), chunk.NewTask("m", "bad", 3, nil, nil))

	m := f.p.Metrics()
	assert.Equal(t, uint64(3), m.ChunksProcessed)
	assert.Equal(t, uint64(1), m.ChunksFailed)
	assert.Equal(t, uint64(3), m.Cipher.Encryptions)
	assert.Equal(t, int64(1), m.ActiveSessions)
	assert.Positive(t, m.BytesIn)
	assert.Greater(t, m.BytesOut, m.BytesIn)
}

// =============================================================================
// Properties
// =============================================================================

func TestRootIndependentOfArrivalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 24).Draw(rt, "n")
		order := rapid.Permutation(seqRange(n)).Draw(rt, "order")

		f := newFixture(t, testConfig())
		for _, seq := range order {
			r := f.p.ProcessChunk(context.Background(), task("prop", seq))
			if !r.Success {
				rt.Fatalf("seq %d: %v", seq, r.Err)
			}
		}
		root, err := f.p.Finalize(context.Background(), "prop")
		if err != nil {
			rt.Fatal(err)
		}

		leaves := make([]string, n)
		for i := range leaves {
			leaves[i] = merkle.HashLeafData(merkle.SHA256, payload("prop", uint64(i)))
		}
		want, err := merkle.BuildRoot(merkle.SHA256, leaves)
		if err != nil {
			rt.Fatal(err)
		}
		if root != want {
			rt.Fatalf("root %s, want %s for order %v", root, want, order)
		}
	})
}

func seqRange(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}
