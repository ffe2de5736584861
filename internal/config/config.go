package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Platform    PlatformConfig    `yaml:"platform"`
	Quota       QuotaConfig       `yaml:"quota"`
	Queue       QueueConfig       `yaml:"queue"`
	Launch      LaunchConfig      `yaml:"launch"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN of the server
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`          // Overridable via LAUNCHER_API_KEY
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`       // SQLite database path
	QuotaPath string           `yaml:"quota_path"` // Quota window snapshot database path
	Retention *RetentionConfig `yaml:"retention"`  // Terminal queue row retention
}

// RetentionConfig contains queue retention settings
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // Delete terminal queue rows older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// PlatformConfig contains remote ad platform settings
type PlatformConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"` // Per-call HTTP timeout (default: 30s)
}

// QuotaConfig contains per-account call quota settings
type QuotaConfig struct {
	CallsLimit    int           `yaml:"calls_limit"`    // Calls per account per window (default: 200)
	WindowLength  time.Duration `yaml:"window_length"`  // Quota window length (default: 1h)
	FlushInterval time.Duration `yaml:"flush_interval"` // Window snapshot persistence interval (default: 10s)
}

// QueueConfig contains queue processor settings
type QueueConfig struct {
	ProcessInterval time.Duration `yaml:"process_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// LaunchConfig contains job orchestration settings
type LaunchConfig struct {
	FanOut       int `yaml:"fan_out"`        // Concurrent child creations per job (default: 5)
	SlotRetryCap int `yaml:"slot_retry_cap"` // Creation attempts per slot (default: 3)
	RetryBudget  int `yaml:"retry_budget"`   // Drive retries per job (default: 5)
}

// CredentialsConfig contains credential pool settings
type CredentialsConfig struct {
	// EncryptionKey is a hex-encoded 32-byte key sealing tokens at rest.
	// Overridable via LAUNCHER_ENCRYPTION_KEY.
	EncryptionKey string `yaml:"encryption_key"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Gauge refresh interval (default: 10s)
}

// Load loads configuration from a YAML file. A .env file next to the
// working directory is applied first so secrets stay out of the YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("LAUNCHER_API_KEY"); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv("LAUNCHER_ENCRYPTION_KEY"); v != "" {
		c.Credentials.EncryptionKey = v
	}
	if v := os.Getenv("LAUNCHER_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/launcher/launcher.db"
	}
	if c.Storage.QuotaPath == "" {
		c.Storage.QuotaPath = "/var/lib/launcher/quota.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Platform.BaseURL == "" {
		c.Platform.BaseURL = "https://graph.facebook.com"
	}
	if c.Platform.APIVersion == "" {
		c.Platform.APIVersion = "v21.0"
	}
	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = 30 * time.Second
	}

	if c.Quota.CallsLimit == 0 {
		c.Quota.CallsLimit = 200
	}
	if c.Quota.WindowLength == 0 {
		c.Quota.WindowLength = time.Hour
	}
	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = time.Minute
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 25
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}

	if c.Launch.FanOut == 0 {
		c.Launch.FanOut = 5
	}
	if c.Launch.SlotRetryCap == 0 {
		c.Launch.SlotRetryCap = 3
	}
	if c.Launch.RetryBudget == 0 {
		c.Launch.RetryBudget = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Credentials.EncryptionKey == "" {
		return fmt.Errorf("credentials.encryption_key is required")
	}
	key, err := hex.DecodeString(c.Credentials.EncryptionKey)
	if err != nil {
		return fmt.Errorf("credentials.encryption_key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("credentials.encryption_key must decode to 32 bytes, got %d", len(key))
	}

	if c.Quota.CallsLimit < 0 {
		return fmt.Errorf("quota.calls_limit must not be negative")
	}
	if c.Launch.FanOut < 1 {
		return fmt.Errorf("launch.fan_out must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
