package config

import (
	"fmt"
	"net/url"
	"strings"

	"chunkseal/internal/aead"
	"chunkseal/internal/compress"
	"chunkseal/internal/keys"
	"chunkseal/internal/logging"
	"chunkseal/internal/merkle"
	"chunkseal/internal/workerpool"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig performs validation of every section.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePipeline(&c.Pipeline)...)
	errs = append(errs, validateCrypto(&c.Crypto)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateAnchors(&c.Anchors)...)
	errs = append(errs, validateCompression(&c.Compression)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Health.MemoryLimitMB < 0 {
		errs = append(errs, *RangeError("health.memory_limit_mb", 0, "unbounded"))
	}
	if c.Metrics.LogIntervalSec < 0 {
		errs = append(errs, *RangeError("metrics.log_interval_sec", 0, "unbounded"))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePipeline(p *PipelineConfig) ValidationErrors {
	var errs ValidationErrors

	if p.Workers < 1 || p.Workers > 1024 {
		errs = append(errs, *RangeError("pipeline.workers", 1, 1024))
	}
	if p.QueueCapacity < 1 {
		errs = append(errs, *RangeError("pipeline.queue_capacity", 1, "unbounded"))
	}
	if _, err := workerpool.ParsePolicy(p.Backpressure); err != nil {
		errs = append(errs, ValidationError{Field: "pipeline.backpressure", Message: err.Error()})
	}
	if p.MaxChunkSize < 1 {
		errs = append(errs, *RangeError("pipeline.max_chunk_size", 1, "unbounded"))
	}
	if p.TaskTimeoutSec < 1 {
		errs = append(errs, *RangeError("pipeline.task_timeout_sec", 1, "unbounded"))
	}
	if p.ShutdownGraceSec < 0 {
		errs = append(errs, *RangeError("pipeline.shutdown_grace_sec", 0, "unbounded"))
	}
	switch p.KeyMode {
	case "session", "per_blob":
	default:
		errs = append(errs, ValidationError{
			Field:   "pipeline.key_mode",
			Message: fmt.Sprintf("invalid key mode: %s (valid: session, per_blob)", p.KeyMode),
		})
	}
	return errs
}

func validateCrypto(c *CryptoConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := aead.ParseAlgorithm(c.Cipher); err != nil {
		errs = append(errs, ValidationError{Field: "crypto.cipher", Message: err.Error()})
	}
	if _, err := merkle.ParseAlgorithm(c.Digest); err != nil {
		errs = append(errs, ValidationError{Field: "crypto.digest", Message: err.Error()})
	}
	kdf, err := keys.ParseKDF(c.KDF)
	if err != nil {
		errs = append(errs, ValidationError{Field: "crypto.kdf", Message: err.Error()})
	}
	if kdf == keys.KDFPBKDF2 && c.KDFIterations < keys.DefaultIterations {
		errs = append(errs, *RangeError("crypto.kdf_iterations", keys.DefaultIterations, "unbounded"))
	}

	switch {
	case c.MasterSecret == "" && c.MasterSecretFile == "":
		errs = append(errs, *RequiredFieldError("crypto.master_secret"))
	case c.MasterSecret != "":
		secret, err := DecodeSecret(c.MasterSecret)
		if err != nil {
			errs = append(errs, ValidationError{Field: "crypto.master_secret", Message: err.Error()})
		} else if len(secret) < keys.MinMasterSecretSize {
			errs = append(errs, ValidationError{
				Field:   "crypto.master_secret",
				Message: fmt.Sprintf("must be at least %d bytes", keys.MinMasterSecretSize),
			})
		}
	}

	if c.InstallationSalt != "" {
		salt, err := DecodeSecret(c.InstallationSalt)
		if err != nil {
			errs = append(errs, ValidationError{Field: "crypto.installation_salt", Message: err.Error()})
		} else if len(salt) < keys.MinInstallationSaltSize {
			errs = append(errs, ValidationError{
				Field:   "crypto.installation_salt",
				Message: fmt.Sprintf("must be at least %d bytes", keys.MinInstallationSaltSize),
			})
		}
	} else if c.InstallationSaltFile == "" {
		errs = append(errs, *RequiredFieldError("crypto.installation_salt_file"))
	}

	if c.KeyRotationIntervalSec < 0 {
		errs = append(errs, *RangeError("crypto.key_rotation_interval_sec", 0, "unbounded"))
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors
	if s.RetentionSec < 0 {
		errs = append(errs, *RangeError("session.retention_sec", 0, "unbounded"))
	}
	if s.CleanupIntervalSec < 0 {
		errs = append(errs, *RangeError("session.cleanup_interval_sec", 0, "unbounded"))
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Type {
	case "sqlite", "badger":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: fmt.Sprintf("path is required for %s storage", s.Type),
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, badger, memory)", s.Type),
		})
	}
	return errs
}

func validateAnchors(a *AnchorConfig) ValidationErrors {
	var errs ValidationErrors
	if !a.Enabled {
		return errs
	}
	if len(a.Providers) == 0 {
		errs = append(errs, ValidationError{
			Field:   "anchors.providers",
			Message: "at least one provider is required when anchoring is enabled",
		})
	}
	for _, p := range a.Providers {
		switch p {
		case "ledger":
			if a.LedgerPath == "" {
				errs = append(errs, *RequiredFieldError("anchors.ledger_path"))
			}
		case "file":
			if a.FilePath == "" {
				errs = append(errs, *RequiredFieldError("anchors.file_path"))
			}
		case "http":
			if !isValidURL(a.HTTPEndpoint) {
				errs = append(errs, ValidationError{
					Field:   "anchors.http_endpoint",
					Message: fmt.Sprintf("invalid URL: %q", a.HTTPEndpoint),
				})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   "anchors.providers",
				Message: fmt.Sprintf("unknown provider: %s (valid: ledger, file, http)", p),
			})
		}
	}
	if a.TimeoutSec < 0 {
		errs = append(errs, *RangeError("anchors.timeout_sec", 0, "unbounded"))
	}
	return errs
}

func validateCompression(c *CompressionConfig) ValidationErrors {
	var errs ValidationErrors
	if !c.Enabled {
		return errs
	}
	if _, err := compress.New(compress.Config{Algorithm: c.Algorithm, Level: c.Level}); err != nil {
		errs = append(errs, ValidationError{Field: "compression.algorithm", Message: err.Error()})
	}
	if c.Level < 0 || c.Level > 22 {
		errs = append(errs, *RangeError("compression.level", 0, 22))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a missing field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "field is required"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
