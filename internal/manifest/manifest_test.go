package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"chunkseal/internal/merkle"
)

func testEntries(t *testing.T, n int) ([]Entry, string) {
	t.Helper()
	entries := make([]Entry, n)
	leaves := make([]string, n)
	for i := range entries {
		leaf := merkle.HashLeafData(merkle.SHA256, []byte{byte(i)})
		entries[i] = Entry{SequenceNo: uint64(i), ChunkID: string(rune('a' + i)), LeafHash: leaf, CiphertextHash: leaf}
		leaves[i] = leaf
	}
	root, err := merkle.BuildRoot(merkle.SHA256, leaves)
	require.NoError(t, err)
	return entries, root
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestBuildAndVerify(t *testing.T) {
	entries, root := testEntries(t, 5)
	m, err := Build("s1", merkle.SHA256, root, 3, time.Now(), entries)
	require.NoError(t, err)
	assert.Equal(t, 5, m.LeafCount)
	assert.Equal(t, Version, m.Version)
	assert.NoError(t, m.VerifyContents())

	assert.ErrorIs(t, m.VerifySignature(nil), ErrNotSigned)

	key := testKey(t)
	require.NoError(t, m.Sign(key))
	assert.True(t, m.Signed())
	assert.NoError(t, m.Verify(nil))
	assert.NoError(t, m.Verify(key.Public().(ed25519.PublicKey)))

	other := testKey(t)
	assert.ErrorIs(t, m.VerifySignature(other.Public().(ed25519.PublicKey)), ErrBadSignature)
}

func TestBuildRejects(t *testing.T) {
	_, err := Build("s1", merkle.SHA256, "", 0, time.Now(), nil)
	assert.ErrorIs(t, err, ErrEmptyManifest)

	entries, root := testEntries(t, 3)
	entries[1], entries[2] = entries[2], entries[1]
	_, err = Build("s1", merkle.SHA256, root, 2, time.Now(), entries)
	assert.ErrorIs(t, err, ErrUnsortedChunks)
}

func TestTamperDetected(t *testing.T) {
	entries, root := testEntries(t, 4)
	m, err := Build("s1", merkle.SHA256, root, 2, time.Now(), entries)
	require.NoError(t, err)
	require.NoError(t, m.Sign(testKey(t)))

	tampered := *m
	tampered.Chunks = append([]Entry(nil), m.Chunks...)
	tampered.Chunks[2].LeafHash = merkle.HashLeafData(merkle.SHA256, []byte("evil"))
	assert.ErrorIs(t, tampered.VerifyContents(), ErrRootMismatch)

	resigned := *m
	resigned.SessionID = "s2"
	assert.NoError(t, resigned.VerifyContents())
	assert.ErrorIs(t, resigned.VerifySignature(nil), ErrBadSignature)

	badSum := *m
	badSum.TotalChecksum = "00"
	assert.ErrorIs(t, badSum.VerifyContents(), ErrChecksum)
}

func TestMarshalRoundTrip(t *testing.T) {
	entries, root := testEntries(t, 3)
	m, err := Build("s1", merkle.SHA256, root, 2, time.Now(), entries)
	require.NoError(t, err)
	require.NoError(t, m.Sign(testKey(t)))

	data, err := m.Marshal()
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NoError(t, back.Verify(nil))

	_, err = Unmarshal([]byte("{"))
	assert.Error(t, err)
}

func TestLoadRawSeed(t *testing.T) {
	dir := t.TempDir()
	seed := make([]byte, ed25519.SeedSize)
	_, _ = rand.Read(seed)
	path := filepath.Join(dir, "seed")
	require.NoError(t, os.WriteFile(path, seed, 0600))

	key, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, ed25519.NewKeyFromSeed(seed).Equal(key))
}

func TestLoadOpenSSHKeys(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	privPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(block), 0600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644))

	loaded, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(loaded))

	loadedPub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(loadedPub))

	fp, err := Fingerprint(loadedPub)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(sshPub), fp)
}

func TestLoadEncryptedKey(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)
	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	_, err = LoadPrivateKey(path)
	assert.ErrorIs(t, err, ErrKeyEncrypted)

	key, err := LoadPrivateKeyWithPassphrase(path, []byte("hunter2"))
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))
}

func TestLoadInvalidKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, err := LoadPrivateKey(path)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = LoadPrivateKey(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
