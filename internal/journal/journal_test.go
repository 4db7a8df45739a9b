package journal

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkseal/internal/logging"
	"chunkseal/internal/security"
)

func newTestKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func openTestJournal(t *testing.T) (*Journal, string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.journal")
	key := newTestKey()
	j, err := Open(path, key, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path, key
}

func sampleRecord(id string) SessionRecord {
	return SessionRecord{
		SessionID:   id,
		RootHash:    "ab" + id,
		Algorithm:   "sha256",
		LeafCount:   4,
		TreeHeight:  3,
		FinalizedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "j"), make([]byte, 16), logging.Discard())
	assert.ErrorIs(t, err, ErrShortKey)
}

func TestOpenWritesHeader(t *testing.T) {
	j, path, _ := openTestJournal(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), info.Size())
	assert.Equal(t, int64(HeaderSize), j.Stats().Bytes)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Magic, string(raw[:4]))
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0600))

	_, err := Open(path, newTestKey(), logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestSecondOpenIsLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are unix only")
	}
	_, path, key := openTestJournal(t)

	_, err := Open(path, key, logging.Discard())
	assert.ErrorIs(t, err, security.ErrLocked)
}

func TestAppendAndEntries(t *testing.T) {
	j, _, _ := openTestJournal(t)

	for i := 0; i < 5; i++ {
		seq, err := j.Append(EntryAnchorPending, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, []byte{byte(i)}, e.Payload)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash(), e.PrevHash)
		}
	}

	st := j.Stats()
	assert.Equal(t, uint64(5), st.Entries)
	assert.Equal(t, uint64(4), st.LastSequence)
}

func TestReopenContinuesChain(t *testing.T) {
	j, path, key := openTestJournal(t)
	_, err := j.Append(EntryFinalized, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(path, key, logging.Discard())
	require.NoError(t, err)
	defer j2.Close()

	seq, err := j2.Append(EntryFinalized, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	entries, err := j2.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	j, path, key := openTestJournal(t)
	for i := 0; i < 3; i++ {
		_, err := j.Append(EntryFinalized, []byte(`{"n":1}`))
		require.NoError(t, err)
	}
	good := j.Stats().Bytes
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 200, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path, key, logging.Discard())
	require.NoError(t, err)
	defer j2.Close()

	st := j2.Stats()
	assert.Equal(t, good, st.Bytes)
	assert.Equal(t, int64(7), st.TruncatedBytes)
	assert.Equal(t, uint64(3), st.Entries)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())
}

func TestCorruptedEntryDropsTail(t *testing.T) {
	j, path, key := openTestJournal(t)
	_, err := j.Append(EntryFinalized, []byte(`first`))
	require.NoError(t, err)
	first := j.Stats().Bytes
	_, err = j.Append(EntryFinalized, []byte(`second`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[first+30] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	j2, err := Open(path, key, logging.Discard())
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("first"), entries[0].Payload)
}

func TestWrongKeyFailsHMAC(t *testing.T) {
	j, path, _ := openTestJournal(t)
	_, err := j.Append(EntryFinalized, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(path, newTestKey(), logging.Discard())
	require.NoError(t, err)
	defer j2.Close()

	_, err = j2.Entries()
	assert.ErrorIs(t, err, ErrInvalidHMAC)
}

func TestClosedJournal(t *testing.T) {
	j, _, _ := openTestJournal(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err := j.Append(EntryFinalized, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Entries()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentAppends(t *testing.T) {
	j, _, _ := openTestJournal(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := j.Append(EntryAnchored, []byte(`{}`))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 80)
}

func TestSessionsFold(t *testing.T) {
	j, _, _ := openTestJournal(t)

	require.NoError(t, j.RecordFinalized(sampleRecord("a")))
	require.NoError(t, j.RecordFinalized(sampleRecord("b")))
	require.NoError(t, j.RecordAnchorPending("a", errors.New("ledger offline")))
	require.NoError(t, j.RecordAnchored("b", []string{"r1"}))
	require.NoError(t, j.RecordAnchored("a", []string{"r2", "r3"}))
	require.NoError(t, j.RecordAnchored("ghost", []string{"r4"}))

	sessions, err := j.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	a := sessions["a"]
	assert.Equal(t, "aba", a.RootHash)
	assert.Equal(t, 4, a.LeafCount)
	assert.Equal(t, AnchorConfirmed, a.AnchorStatus)
	assert.Equal(t, []string{"r2", "r3"}, a.AnchorReceipts)
	assert.Empty(t, a.AnchorError)

	b := sessions["b"]
	assert.Equal(t, AnchorConfirmed, b.AnchorStatus)
	assert.Equal(t, []string{"r1"}, b.AnchorReceipts)
}

func TestSessionsPendingAnchor(t *testing.T) {
	j, _, _ := openTestJournal(t)
	require.NoError(t, j.RecordFinalized(sampleRecord("a")))
	require.NoError(t, j.RecordAnchorPending("a", errors.New("timeout")))

	sessions, err := j.Sessions()
	require.NoError(t, err)
	assert.Equal(t, AnchorPending, sessions["a"].AnchorStatus)
	assert.Equal(t, "timeout", sessions["a"].AnchorError)
}

func TestRecordFinalizedRequiresRoot(t *testing.T) {
	j, _, _ := openTestJournal(t)
	assert.Error(t, j.RecordFinalized(SessionRecord{SessionID: "a"}))
}

func TestFoldRejectsUnknownType(t *testing.T) {
	_, err := Fold([]Entry{{Type: EntryType(9), Payload: []byte(`{}`)}})
	assert.Error(t, err)
}
