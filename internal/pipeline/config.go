package pipeline

import (
	"fmt"
	"strings"
	"time"

	"chunkseal/internal/aead"
	"chunkseal/internal/compress"
	"chunkseal/internal/config"
	"chunkseal/internal/merkle"
	"chunkseal/internal/workerpool"
)

// KeyMode selects how chunk keys are derived.
type KeyMode string

const (
	// KeySession uses one cached key per session.
	KeySession KeyMode = "session"
	// KeyPerBlob derives a fresh key from a random salt for every chunk and
	// stores the salt in front of the blob.
	KeyPerBlob KeyMode = "per_blob"
)

// ParseKeyMode maps a configuration string to a KeyMode.
func ParseKeyMode(s string) (KeyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "session":
		return KeySession, nil
	case "per_blob", "per-blob", "blob":
		return KeyPerBlob, nil
	default:
		return "", fmt.Errorf("pipeline: unknown key mode %q", s)
	}
}

// Config is the immutable pipeline configuration. It is read once by New.
type Config struct {
	Workers       int
	QueueCapacity int
	Backpressure  workerpool.Policy
	MaxChunkSize  int
	TaskTimeout   time.Duration
	ShutdownGrace time.Duration

	Cipher  aead.Algorithm
	Digest  merkle.Algorithm
	KeyMode KeyMode

	// Compression applies before encryption when Enabled.
	Compression        compress.Config
	CompressionEnabled bool

	// ValidateMetadata checks caller metadata against the chunk metadata
	// schema. MetadataSchemaPath overrides the built-in schema.
	ValidateMetadata   bool
	MetadataSchemaPath string

	KeyRotationInterval time.Duration
	Retention           time.Duration
	CleanupInterval     time.Duration
	MetricsLogInterval  time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:             10,
		QueueCapacity:       1000,
		Backpressure:        workerpool.Block,
		MaxChunkSize:        10 * 1024 * 1024,
		TaskTimeout:         30 * time.Second,
		ShutdownGrace:       30 * time.Second,
		Cipher:              aead.AES256GCM,
		Digest:              merkle.SHA256,
		KeyMode:             KeySession,
		Compression:         compress.Config{Algorithm: compress.Zstd},
		ValidateMetadata:    true,
		KeyRotationInterval: time.Hour,
		Retention:           24 * time.Hour,
		CleanupInterval:     5 * time.Minute,
		MetricsLogInterval:  time.Minute,
	}
}

// FromConfig converts a loaded service configuration.
func FromConfig(c *config.Config) (Config, error) {
	policy, err := workerpool.ParsePolicy(c.Pipeline.Backpressure)
	if err != nil {
		return Config{}, err
	}
	cipher, err := aead.ParseAlgorithm(c.Crypto.Cipher)
	if err != nil {
		return Config{}, err
	}
	digest, err := merkle.ParseAlgorithm(c.Crypto.Digest)
	if err != nil {
		return Config{}, err
	}
	mode, err := ParseKeyMode(c.Pipeline.KeyMode)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Workers:       c.Pipeline.Workers,
		QueueCapacity: c.Pipeline.QueueCapacity,
		Backpressure:  policy,
		MaxChunkSize:  c.Pipeline.MaxChunkSize,
		TaskTimeout:   c.TaskTimeout(),
		ShutdownGrace: c.ShutdownGrace(),
		Cipher:        cipher,
		Digest:        digest,
		KeyMode:       mode,
		Compression: compress.Config{
			Algorithm: c.Compression.Algorithm,
			Level:     c.Compression.Level,
		},
		CompressionEnabled:  c.Compression.Enabled,
		ValidateMetadata:    c.Metadata.Validate,
		MetadataSchemaPath:  c.Metadata.SchemaPath,
		KeyRotationInterval: c.KeyRotationInterval(),
		Retention:           c.Retention(),
		CleanupInterval:     c.CleanupInterval(),
		MetricsLogInterval:  c.MetricsLogInterval(),
	}, nil
}

func (c Config) poolConfig() workerpool.Config {
	return workerpool.Config{
		Workers:       c.Workers,
		QueueCapacity: c.QueueCapacity,
		Policy:        c.Backpressure,
		TaskTimeout:   c.TaskTimeout,
	}
}
