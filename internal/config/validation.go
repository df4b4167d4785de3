package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Limits enforced by ValidateConfig.
const (
	minKeyBits = 2048
	maxKeyBits = 16384

	// OAEP with SHA-512 leaves room for a message of k-130 bytes.
	minMessageSize = 16
	maxMessageSize = 64
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig so callers can match with errors.Is.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateChallenge(&c.Challenge)...)
	errs = append(errs, validateKeys(&c.Keys)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateRateLimit(&c.RateLimit)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.SocketPath == "" {
		errs = append(errs, *RequiredFieldError("server.socket_path"))
	}

	if s.Permissions != "" && !permissionsPattern.MatchString(s.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "server.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", s.Permissions),
		})
	}

	if s.MaxConnections < 1 || s.MaxConnections > 1024 {
		errs = append(errs, *RangeError("server.max_connections", 1, 1024))
	}

	if s.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if s.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(s.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server.metrics_addr",
				Message: fmt.Sprintf("invalid listen address: %v", err),
			})
		}
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	if s.Type == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		} else {
			// A missing directory is created on start.
			dir := filepath.Dir(expandPath(s.Path))
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}

		if s.Secure && s.SecretPath == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.secret_path",
				Message: "secret path is required when secure storage is enabled",
			})
		}
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateChallenge(c *ChallengeConfig) ValidationErrors {
	var errs ValidationErrors

	if c.TTLSec < 1 || c.TTLSec > 3600 {
		errs = append(errs, *RangeError("challenge.ttl_sec", 1, 3600))
	}
	if c.SweepIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "challenge.sweep_interval_sec",
			Message: "sweep interval must be at least 1 second",
		})
	}
	if c.RetentionHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "challenge.retention_hours",
			Message: "retention cannot be negative",
		})
	}
	if c.MessageSize < minMessageSize || c.MessageSize > maxMessageSize {
		errs = append(errs, *RangeError("challenge.message_size", minMessageSize, maxMessageSize))
	}

	return errs
}

// ValidateKeyBits checks a device key size against the keys.bits bounds.
func ValidateKeyBits(bits int) *ValidationError {
	if bits < minKeyBits || bits > maxKeyBits || bits%8 != 0 {
		return &ValidationError{
			Field:   "keys.bits",
			Message: fmt.Sprintf("key size must be a multiple of 8 between %d and %d", minKeyBits, maxKeyBits),
		}
	}
	return nil
}

func validateKeys(k *KeysConfig) ValidationErrors {
	var errs ValidationErrors

	if err := ValidateKeyBits(k.Bits); err != nil {
		errs = append(errs, *err)
	}
	if k.Exponent < 3 || k.Exponent%2 == 0 {
		errs = append(errs, ValidationError{
			Field:   "keys.exponent",
			Message: "public exponent must be odd and at least 3",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
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
	if l.TraceSampleRatio < 0 || l.TraceSampleRatio > 1 {
		errs = append(errs, *RangeError("logging.trace_sample_ratio", 0, 1))
	}

	return errs
}

func validateRateLimit(r *RateLimitConfig) ValidationErrors {
	var errs ValidationErrors

	if !r.Enabled {
		return errs
	}

	if r.PerMinute <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.per_minute",
			Message: "rate must be positive",
		})
	}
	if r.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.burst",
			Message: "burst must be at least 1",
		})
	}
	if r.IdleMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.idle_minutes",
			Message: "idle timeout must be at least 1 minute",
		})
	}

	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
