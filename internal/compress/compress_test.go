package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknown(t *testing.T) {
	_, err := New(Config{Algorithm: "brotli"})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("session frame payload "), 500)
	for _, alg := range []string{None, Zstd, XZ, LZMA} {
		t.Run(alg, func(t *testing.T) {
			c, err := New(Config{Algorithm: alg})
			require.NoError(t, err)
			assert.Equal(t, alg, c.Name())

			out, err := c.Compress(data)
			require.NoError(t, err)
			if alg != None {
				assert.Less(t, len(out), len(data))
			}

			back, err := c.Decompress(out)
			require.NoError(t, err)
			assert.Equal(t, data, back)
		})
	}
}

func TestZstdLevel(t *testing.T) {
	c, err := New(Config{Algorithm: Zstd, Level: 19})
	require.NoError(t, err)
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	out, err := c.Compress(data)
	require.NoError(t, err)
	back, err := c.Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestShrinkKeepsIncompressible(t *testing.T) {
	c, err := New(Config{Algorithm: Zstd})
	require.NoError(t, err)

	random := make([]byte, 4096)
	_, _ = rand.Read(random)
	out, alg, err := Shrink(c, random)
	require.NoError(t, err)
	assert.Equal(t, None, alg)
	assert.Equal(t, random, out)

	text := bytes.Repeat([]byte("abc"), 2000)
	out, alg, err = Shrink(c, text)
	require.NoError(t, err)
	assert.Equal(t, Zstd, alg)
	back, err := Expand(alg, out)
	require.NoError(t, err)
	assert.Equal(t, text, back)
}

func TestShrinkNilCodec(t *testing.T) {
	out, alg, err := Shrink(nil, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, None, alg)
	assert.Equal(t, []byte("x"), out)
}

func TestDecompressLimit(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 1<<16)
	for _, alg := range []string{Zstd, XZ, LZMA} {
		t.Run(alg, func(t *testing.T) {
			big, err := New(Config{Algorithm: alg})
			require.NoError(t, err)
			out, err := big.Compress(data)
			require.NoError(t, err)

			small, err := New(Config{Algorithm: alg, MaxDecoded: 1024})
			require.NoError(t, err)
			_, err = small.Decompress(out)
			assert.Error(t, err)
		})
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, alg := range []string{Zstd, XZ, LZMA} {
		c, err := New(Config{Algorithm: alg})
		require.NoError(t, err)
		_, err = c.Decompress([]byte("definitely not compressed"))
		assert.Error(t, err, alg)
	}
}
