package schemavalidation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkseal/internal/manifest"
	"chunkseal/internal/merkle"
)

func TestChunkMetadataSchema(t *testing.T) {
	v, err := Builtin(ChunkMetadataSchema)
	require.NoError(t, err)
	assert.Equal(t, ChunkMetadataSchema, v.Name())

	cases := []struct {
		name string
		md   map[string]string
		ok   bool
	}{
		{"nil", nil, true},
		{"typical", map[string]string{"codec": "h264", "frame.start": "120", "camera_id": "cam-2"}, true},
		{"bad key", map[string]string{"has space": "x"}, false},
		{"long value", map[string]string{"k": strings.Repeat("x", 5000)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateStrings(tc.md)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}

	tooMany := make(map[string]string)
	for i := 0; i < 65; i++ {
		tooMany[strings.Repeat("k", i+1)] = "v"
	}
	assert.ErrorIs(t, v.ValidateStrings(tooMany), ErrInvalid)
}

func TestManifestSchema(t *testing.T) {
	v, err := Builtin(ManifestSchema)
	require.NoError(t, err)

	leaves := []string{
		merkle.HashLeafData(merkle.SHA256, []byte("a")),
		merkle.HashLeafData(merkle.SHA256, []byte("b")),
	}
	root, err := merkle.BuildRoot(merkle.SHA256, leaves)
	require.NoError(t, err)
	m, err := manifest.Build("s1", merkle.SHA256, root, 1, time.Now(), []manifest.Entry{
		{SequenceNo: 0, ChunkID: "a", LeafHash: leaves[0]},
		{SequenceNo: 1, ChunkID: "b", LeafHash: leaves[1]},
	})
	require.NoError(t, err)
	data, err := m.Marshal()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateJSON(data))

	m.RootHash = "XYZ"
	data, err = m.Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, v.ValidateJSON(data), ErrInvalid)

	assert.ErrorIs(t, v.ValidateJSON([]byte("{")), ErrInvalid)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.schema.json")
	schema := `{"type": "object", "required": ["tenant"], "properties": {"tenant": {"type": "string"}}}`
	require.NoError(t, os.WriteFile(path, []byte(schema), 0644))

	v, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateStrings(map[string]string{"tenant": "acme"}))
	assert.ErrorIs(t, v.ValidateStrings(map[string]string{}), ErrInvalid)
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("bad.json", []byte("{not json"))
	assert.Error(t, err)

	_, err = Builtin("missing.schema.json")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
