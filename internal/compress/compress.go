// Package compress provides the optional pre-encryption compression step.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var (
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm")
	ErrTooLarge         = errors.New("compress: decompressed size exceeds limit")
)

// Algorithm names. None is recorded in metadata when compression is off or
// did not shrink the payload.
const (
	None = "none"
	Zstd = "zstd"
	XZ   = "xz"
	LZMA = "lzma"
)

// DefaultMaxDecoded bounds decompression output.
const DefaultMaxDecoded = 64 << 20

// Codec compresses and decompresses whole payloads.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Config selects a codec.
type Config struct {
	Algorithm string
	// Level is the zstd level (1-22, 0 for default). Ignored by xz and lzma.
	Level      int
	MaxDecoded int64
}

// New returns the codec named by cfg.Algorithm.
func New(cfg Config) (Codec, error) {
	if cfg.MaxDecoded <= 0 {
		cfg.MaxDecoded = DefaultMaxDecoded
	}
	switch strings.ToLower(cfg.Algorithm) {
	case "", None:
		return noop{}, nil
	case Zstd:
		return newZstd(cfg.Level, cfg.MaxDecoded)
	case XZ:
		return &xzCodec{max: cfg.MaxDecoded}, nil
	case LZMA:
		return &lzmaCodec{max: cfg.MaxDecoded}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, cfg.Algorithm)
	}
}

// Shrink compresses data with c and keeps the result only when it is
// smaller. It returns the bytes to seal and the algorithm actually applied.
func Shrink(c Codec, data []byte) ([]byte, string, error) {
	if c == nil || c.Name() == None {
		return data, None, nil
	}
	out, err := c.Compress(data)
	if err != nil {
		return nil, "", err
	}
	if len(out) >= len(data) {
		return data, None, nil
	}
	return out, c.Name(), nil
}

// Expand reverses Shrink given the recorded algorithm name.
func Expand(algorithm string, data []byte) ([]byte, error) {
	if algorithm == "" || algorithm == None {
		return data, nil
	}
	c, err := New(Config{Algorithm: algorithm})
	if err != nil {
		return nil, err
	}
	return c.Decompress(data)
}

type noop struct{}

func (noop) Name() string                           { return None }
func (noop) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noop) Decompress(data []byte) ([]byte, error) { return data, nil }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	zstdOnce sync.Once
	zstdDef  *zstdCodec
	zstdErr  error
)

func newZstd(level int, maxDecoded int64) (*zstdCodec, error) {
	if level == 0 && maxDecoded == DefaultMaxDecoded {
		zstdOnce.Do(func() { zstdDef, zstdErr = buildZstd(0, maxDecoded) })
		return zstdDef, zstdErr
	}
	return buildZstd(level, maxDecoded)
}

func buildZstd(level int, maxDecoded int64) (*zstdCodec, error) {
	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Name() string { return Zstd }

func (z *zstdCodec) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (z *zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

type xzCodec struct{ max int64 }

func (x *xzCodec) Name() string { return XZ }

func (x *xzCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (x *xzCodec) Decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	return readLimited(r, x.max)
}

type lzmaCodec struct{ max int64 }

func (l *lzmaCodec) Name() string { return LZMA }

func (l *lzmaCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (l *lzmaCodec) Decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("lzma reader: %w", err)
	}
	return readLimited(r, l.max)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}
