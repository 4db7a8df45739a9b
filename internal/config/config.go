// Package config handles configuration loading, validation and hot reload
// for chunkseal.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chunkseal/internal/logging"
	"chunkseal/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete service configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Pipeline    PipelineConfig    `toml:"pipeline" json:"pipeline" yaml:"pipeline"`
	Crypto      CryptoConfig      `toml:"crypto" json:"crypto" yaml:"crypto"`
	Session     SessionConfig     `toml:"session" json:"session" yaml:"session"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Anchors     AnchorConfig      `toml:"anchors" json:"anchors" yaml:"anchors"`
	Compression CompressionConfig `toml:"compression" json:"compression" yaml:"compression"`
	Manifest    ManifestConfig    `toml:"manifest" json:"manifest" yaml:"manifest"`
	Metadata    MetadataConfig    `toml:"metadata" json:"metadata" yaml:"metadata"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Health      HealthConfig      `toml:"health" json:"health" yaml:"health"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// PipelineConfig sizes the worker pool and bounds chunk input.
type PipelineConfig struct {
	Workers       int `toml:"workers" json:"workers" yaml:"workers"`
	QueueCapacity int `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`

	// Backpressure is "block" or "fail_fast".
	Backpressure string `toml:"backpressure" json:"backpressure" yaml:"backpressure"`

	MaxChunkSize     int `toml:"max_chunk_size" json:"max_chunk_size" yaml:"max_chunk_size"`
	TaskTimeoutSec   int `toml:"task_timeout_sec" json:"task_timeout_sec" yaml:"task_timeout_sec"`
	ShutdownGraceSec int `toml:"shutdown_grace_sec" json:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`

	// KeyMode is "session" (one cached key per session) or "per_blob"
	// (a fresh salt and derived key per chunk).
	KeyMode string `toml:"key_mode" json:"key_mode" yaml:"key_mode"`
}

// CryptoConfig selects algorithms and key material.
type CryptoConfig struct {
	Cipher        string `toml:"cipher" json:"cipher" yaml:"cipher"`
	Digest        string `toml:"digest" json:"digest" yaml:"digest"`
	KDF           string `toml:"kdf" json:"kdf" yaml:"kdf"`
	KDFIterations int    `toml:"kdf_iterations" json:"kdf_iterations" yaml:"kdf_iterations"`

	// MasterSecret and InstallationSalt accept "hex:", "base64:" or raw text.
	MasterSecret     string `toml:"master_secret" json:"master_secret" yaml:"master_secret"`
	MasterSecretFile string `toml:"master_secret_file" json:"master_secret_file" yaml:"master_secret_file"`

	InstallationSalt     string `toml:"installation_salt" json:"installation_salt" yaml:"installation_salt"`
	InstallationSaltFile string `toml:"installation_salt_file" json:"installation_salt_file" yaml:"installation_salt_file"`

	KeyRotationIntervalSec int `toml:"key_rotation_interval_sec" json:"key_rotation_interval_sec" yaml:"key_rotation_interval_sec"`
}

// SessionConfig controls retention of finalized sessions in memory and
// the journal that records finalizations across processes.
type SessionConfig struct {
	RetentionSec       int `toml:"retention_sec" json:"retention_sec" yaml:"retention_sec"`
	CleanupIntervalSec int `toml:"cleanup_interval_sec" json:"cleanup_interval_sec" yaml:"cleanup_interval_sec"`

	// JournalPath is the session journal file. Empty disables the journal.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

// StorageConfig selects the chunk store.
type StorageConfig struct {
	// Type is "sqlite", "badger" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`
	Path string `toml:"path" json:"path" yaml:"path"`
}

// AnchorConfig configures root anchoring.
type AnchorConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Providers lists enabled anchors: "ledger", "file", "http".
	Providers []string `toml:"providers" json:"providers" yaml:"providers"`

	LedgerPath   string `toml:"ledger_path" json:"ledger_path" yaml:"ledger_path"`
	ReceiptsDir  string `toml:"receipts_dir" json:"receipts_dir" yaml:"receipts_dir"`
	FilePath     string `toml:"file_path" json:"file_path" yaml:"file_path"`
	HTTPEndpoint string `toml:"http_endpoint" json:"http_endpoint" yaml:"http_endpoint"`
	HTTPToken    string `toml:"http_token" json:"http_token" yaml:"http_token"`
	TimeoutSec   int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// CompressionConfig configures optional compression before encryption.
type CompressionConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Algorithm string `toml:"algorithm" json:"algorithm" yaml:"algorithm"`
	Level     int    `toml:"level" json:"level" yaml:"level"`
}

// ManifestConfig configures session manifest signing.
type ManifestConfig struct {
	SigningKeyPath string `toml:"signing_key_path" json:"signing_key_path" yaml:"signing_key_path"`
}

// MetadataConfig configures chunk metadata validation.
type MetadataConfig struct {
	Validate bool `toml:"validate" json:"validate" yaml:"validate"`
	// SchemaPath overrides the built-in metadata schema.
	SchemaPath string `toml:"schema_path" json:"schema_path" yaml:"schema_path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// HealthConfig configures health checks.
type HealthConfig struct {
	MemoryLimitMB int `toml:"memory_limit_mb" json:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// MetricsConfig configures periodic metrics logging.
type MetricsConfig struct {
	LogIntervalSec int `toml:"log_interval_sec" json:"log_interval_sec" yaml:"log_interval_sec"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Pipeline: PipelineConfig{
			Workers:          10,
			QueueCapacity:    1000,
			Backpressure:     "block",
			MaxChunkSize:     10 * 1024 * 1024,
			TaskTimeoutSec:   30,
			ShutdownGraceSec: 30,
			KeyMode:          "session",
		},
		Crypto: CryptoConfig{
			Cipher:                 "aes-256-gcm",
			Digest:                 "sha256",
			KDF:                    "pbkdf2",
			KDFIterations:          100_000,
			InstallationSaltFile:   filepath.Join(dir, "installation.salt"),
			KeyRotationIntervalSec: 3600,
		},
		Session: SessionConfig{
			RetentionSec:       24 * 3600,
			CleanupIntervalSec: 300,
			JournalPath:        filepath.Join(dir, "sessions.journal"),
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join(dir, "chunks.db"),
		},
		Anchors: AnchorConfig{
			Enabled:     true,
			Providers:   []string{"ledger"},
			LedgerPath:  filepath.Join(dir, "ledger.db"),
			ReceiptsDir: filepath.Join(dir, "receipts"),
			FilePath:    filepath.Join(dir, "anchors.jsonl"),
			TimeoutSec:  30,
		},
		Compression: CompressionConfig{
			Enabled:   false,
			Algorithm: "zstd",
		},
		Metadata: MetadataConfig{
			Validate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "chunkseal.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Health: HealthConfig{
			MemoryLimitMB: 1024,
		},
		Metrics: MetricsConfig{
			LogIntervalSec: 60,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, or the default path when empty.
// A missing file yields the defaults. Environment overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Crypto.InstallationSaltFile),
	}
	if c.Session.JournalPath != "" {
		dirs = append(dirs, filepath.Dir(c.Session.JournalPath))
	}
	if c.Anchors.Enabled {
		dirs = append(dirs, filepath.Dir(c.Anchors.LedgerPath), c.Anchors.ReceiptsDir)
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies CHUNKSEAL_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs ValidationErrors
	num := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: name, Message: "not an integer: " + v})
			return
		}
		*dst = n
	}

	num("CHUNKSEAL_WORKERS", &c.Pipeline.Workers)
	num("CHUNKSEAL_QUEUE_CAPACITY", &c.Pipeline.QueueCapacity)
	num("CHUNKSEAL_MAX_CHUNK_SIZE", &c.Pipeline.MaxChunkSize)
	num("CHUNKSEAL_TASK_TIMEOUT_SEC", &c.Pipeline.TaskTimeoutSec)
	str("CHUNKSEAL_BACKPRESSURE", &c.Pipeline.Backpressure)
	str("CHUNKSEAL_KEY_MODE", &c.Pipeline.KeyMode)

	str("CHUNKSEAL_CIPHER", &c.Crypto.Cipher)
	str("CHUNKSEAL_DIGEST", &c.Crypto.Digest)
	str("CHUNKSEAL_KDF", &c.Crypto.KDF)
	num("CHUNKSEAL_KDF_ITERATIONS", &c.Crypto.KDFIterations)
	str("CHUNKSEAL_MASTER_SECRET", &c.Crypto.MasterSecret)
	str("CHUNKSEAL_MASTER_SECRET_FILE", &c.Crypto.MasterSecretFile)
	str("CHUNKSEAL_INSTALLATION_SALT", &c.Crypto.InstallationSalt)
	num("CHUNKSEAL_KEY_ROTATION_INTERVAL_SEC", &c.Crypto.KeyRotationIntervalSec)

	str("CHUNKSEAL_JOURNAL_PATH", &c.Session.JournalPath)

	str("CHUNKSEAL_STORAGE_TYPE", &c.Storage.Type)
	str("CHUNKSEAL_STORAGE_PATH", &c.Storage.Path)

	str("CHUNKSEAL_LEDGER_PATH", &c.Anchors.LedgerPath)
	str("CHUNKSEAL_ANCHOR_HTTP_ENDPOINT", &c.Anchors.HTTPEndpoint)
	str("CHUNKSEAL_ANCHOR_HTTP_TOKEN", &c.Anchors.HTTPToken)

	str("CHUNKSEAL_LOG_LEVEL", &c.Logging.Level)
	str("CHUNKSEAL_LOG_FORMAT", &c.Logging.Format)
	str("CHUNKSEAL_LOG_PATH", &c.Logging.FilePath)

	num("CHUNKSEAL_MEMORY_LIMIT_MB", &c.Health.MemoryLimitMB)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Anchors.Providers = append([]string(nil), c.Anchors.Providers...)
	return &clone
}

// TaskTimeout returns the per-task timeout.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Pipeline.TaskTimeoutSec) * time.Second
}

// ShutdownGrace returns the drain deadline used on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Pipeline.ShutdownGraceSec) * time.Second
}

// KeyRotationInterval returns the key cache rotation interval; 0 disables.
func (c *Config) KeyRotationInterval() time.Duration {
	return time.Duration(c.Crypto.KeyRotationIntervalSec) * time.Second
}

// Retention returns how long finalized sessions stay in memory.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Session.RetentionSec) * time.Second
}

// CleanupInterval returns the retention sweep interval; 0 disables.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalSec) * time.Second
}

// MetricsLogInterval returns the metrics logging interval; 0 disables.
func (c *Config) MetricsLogInterval() time.Duration {
	return time.Duration(c.Metrics.LogIntervalSec) * time.Second
}

// ErrNoMasterSecret is returned when neither an inline secret nor a secret
// file is configured.
var ErrNoMasterSecret = errors.New("config: master secret is not configured")

// maxSecretFileSize bounds secret and salt files.
const maxSecretFileSize = 64 << 10

// MasterSecretBytes resolves the master secret. The inline value wins over
// the file.
func (c *Config) MasterSecretBytes() ([]byte, error) {
	if c.Crypto.MasterSecret != "" {
		return DecodeSecret(c.Crypto.MasterSecret)
	}
	if c.Crypto.MasterSecretFile == "" {
		return nil, ErrNoMasterSecret
	}
	data, err := security.ReadSecretFile(expandPath(c.Crypto.MasterSecretFile), maxSecretFileSize)
	if err != nil {
		return nil, fmt.Errorf("read master secret file: %w", err)
	}
	return DecodeSecret(strings.TrimRight(string(data), "\r\n"))
}

// InstallationSaltBytes resolves the installation salt. Without an inline
// value the salt file is read; when it does not exist and create is set, a
// random 32-byte salt is generated and written.
func (c *Config) InstallationSaltBytes(create bool) ([]byte, error) {
	if c.Crypto.InstallationSalt != "" {
		return DecodeSecret(c.Crypto.InstallationSalt)
	}
	path := expandPath(c.Crypto.InstallationSaltFile)
	if path == "" {
		return nil, errors.New("config: installation salt is not configured")
	}
	data, err := security.ReadSecretFile(path, maxSecretFileSize)
	if err == nil {
		return DecodeSecret(strings.TrimRight(string(data), "\r\n"))
	}
	if !os.IsNotExist(err) || !create {
		return nil, fmt.Errorf("read installation salt: %w", err)
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := security.WriteSecretFile(path, []byte("hex:"+hex.EncodeToString(salt)+"\n")); err != nil {
		return nil, fmt.Errorf("write installation salt: %w", err)
	}
	return salt, nil
}

// DecodeSecret decodes "hex:<hex>", "base64:<std base64>" or returns the
// raw bytes of s.
func DecodeSecret(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("decode hex secret: %w", err)
		}
		return b, nil
	case strings.HasPrefix(s, "base64:"):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decode base64 secret: %w", err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

// LoggerConfig converts the logging section into a logging.Config.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   expandPath(c.Logging.FilePath),
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
	}, nil
}
