// Package config handles configuration loading, validation, and management for silentauth.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"silentauth/internal/logging"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon and client configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the IPC listener.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for keys and challenges.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Challenge lifecycle configuration.
	Challenge ChallengeConfig `toml:"challenge" json:"challenge" yaml:"challenge"`

	// Keys configuration for device key generation.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// RateLimit configuration for challenge requests.
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds IPC server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix domain socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket mode (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec bounds a single request round trip.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// MetricsAddr is the HTTP listen address for /metrics. Empty disables it.
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// Secure enables HMAC integrity protection of registered keys.
	Secure bool `toml:"secure" json:"secure" yaml:"secure"`

	// SecretPath is the file holding the master secret the integrity key
	// is derived from. It is created on first start.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
}

// ChallengeConfig holds challenge lifecycle configuration.
type ChallengeConfig struct {
	// TTLSec is how long an issued challenge stays answerable.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`

	// SweepIntervalSec is how often overdue challenges are expired.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`

	// RetentionHours is how long finalized challenges are kept.
	RetentionHours int `toml:"retention_hours" json:"retention_hours" yaml:"retention_hours"`

	// MessageSize is the length of server-generated challenge messages.
	MessageSize int `toml:"message_size" json:"message_size" yaml:"message_size"`
}

// KeysConfig holds device key configuration used by silentauthctl.
type KeysConfig struct {
	// Bits is the RSA modulus size.
	Bits int `toml:"bits" json:"bits" yaml:"bits"`

	// Exponent is the public exponent.
	Exponent int `toml:"exponent" json:"exponent" yaml:"exponent"`

	// KeyPath is where the device key file is written.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// Identity is the default identity for keygen and login.
	Identity string `toml:"identity" json:"identity" yaml:"identity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// AuditPath is the path to the audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// TracePath is where finished spans are appended as JSON lines.
	// Empty disables tracing.
	TracePath string `toml:"trace_path" json:"trace_path" yaml:"trace_path"`

	// TraceSampleRatio is the fraction of traces written, from 0 to 1.
	TraceSampleRatio float64 `toml:"trace_sample_ratio" json:"trace_sample_ratio" yaml:"trace_sample_ratio"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// RateLimitConfig holds per-identity challenge rate limiting.
type RateLimitConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// PerMinute is the sustained number of challenges per identity.
	PerMinute float64 `toml:"per_minute" json:"per_minute" yaml:"per_minute"`

	// Burst is the bucket size.
	Burst int `toml:"burst" json:"burst" yaml:"burst"`

	// IdleMinutes drops buckets of identities idle this long.
	IdleMinutes int `toml:"idle_minutes" json:"idle_minutes" yaml:"idle_minutes"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 32,
			TimeoutSec:     30,
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "silentauth.db"),
			BusyTimeoutMs: 5000,
			Secure:        true,
			SecretPath:    filepath.Join(dir, "store.secret"),
		},
		Challenge: ChallengeConfig{
			TTLSec:           60,
			SweepIntervalSec: 30,
			RetentionHours:   24,
			MessageSize:      32,
		},
		Keys: KeysConfig{
			Bits:     4096,
			Exponent: 65537,
			KeyPath:  filepath.Join(dir, "device_key.json"),
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "text",
			Output:           "stderr",
			FilePath:         logging.DefaultLogPath("silentauthd.log"),
			AuditPath:        logging.DefaultLogPath("audit.log"),
			TraceSampleRatio: 1,
			MaxSizeMB:        100,
			MaxBackups:       5,
			MaxAgeDays:       30,
			Compress:         true,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			PerMinute:   30,
			Burst:       5,
			IdleMinutes: 10,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, ""); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.SecretPath),
		filepath.Dir(c.Server.SocketPath),
	}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	if c.Logging.TracePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.TracePath))
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

// DataDir returns the base silentauth data directory.
// SILENTAUTH_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("SILENTAUTH_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SILENTAUTH_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Server overrides
	if v := os.Getenv("SILENTAUTH_SOCKET_PATH"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("SILENTAUTH_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}

	// Storage overrides
	if v := os.Getenv("SILENTAUTH_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("SILENTAUTH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Challenge overrides
	if v := os.Getenv("SILENTAUTH_CHALLENGE_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Challenge.TTLSec = n
		}
	}

	// Key overrides
	if v := os.Getenv("SILENTAUTH_KEY_PATH"); v != "" {
		c.Keys.KeyPath = v
	}
	if v := os.Getenv("SILENTAUTH_IDENTITY"); v != "" {
		c.Keys.Identity = v
	}

	// Logging overrides
	if v := os.Getenv("SILENTAUTH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SILENTAUTH_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SILENTAUTH_TRACE_PATH"); v != "" {
		c.Logging.TracePath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Server:    c.Server,
		Storage:   c.Storage,
		Challenge: c.Challenge,
		Keys:      c.Keys,
		Logging:   c.Logging,
		RateLimit: c.RateLimit,
	}
}

// ChallengeTTL returns the challenge lifetime.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Challenge.TTLSec) * time.Second
}

// SweepInterval returns the expiry sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Challenge.SweepIntervalSec) * time.Second
}

// Retention returns how long finalized challenges are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Challenge.RetentionHours) * time.Hour
}

// RequestTimeout returns the IPC request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}

// SocketMode parses Server.Permissions.
func (c *Config) SocketMode() os.FileMode {
	mode, err := strconv.ParseUint(c.Server.Permissions, 8, 32)
	if err != nil {
		return 0600
	}
	return os.FileMode(mode)
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig(component string) *logging.Config {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = f
	}
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	lc.Component = component
	return lc
}

// AuditConfig converts the logging section for logging.NewAuditLogger.
// It returns nil when auditing is disabled.
func (c *Config) AuditConfig(component string) *logging.AuditLoggerConfig {
	if c.Logging.AuditPath == "" {
		return nil
	}
	ac := logging.DefaultAuditConfig()
	ac.FilePath = c.Logging.AuditPath
	ac.Compress = c.Logging.Compress
	ac.Component = component
	return ac
}
