// ABOUTME: Configuration loading and parsing for chorus-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHTTPAddr        = "localhost:8080"
	DefaultMetricsPath     = "/metrics"
	DefaultContextWindow   = 20
	DefaultPushTimeout     = 5 * time.Second
	DefaultDispatchTimeout = 2 * time.Minute
	DefaultDuplicateTTL    = 10 * time.Minute
	DefaultSinkBuffer      = 64
	DefaultTTSBuffer       = 32
)

// Config represents the complete chorus-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
	Orchestration OrchestrationConfig `yaml:"orchestration" toml:"orchestration"`
	Streaming     StreamingConfig     `yaml:"streaming" toml:"streaming"`
	Agents        AgentsConfig        `yaml:"agents" toml:"agents"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// OrchestrationConfig holds group round timing and sizing
type OrchestrationConfig struct {
	// ContextWindow is how many prior messages accompany each dispatched turn
	ContextWindow int `yaml:"context_window" toml:"context_window"`

	PushTimeout     time.Duration `yaml:"-" toml:"-"`
	DispatchTimeout time.Duration `yaml:"-" toml:"-"`
	DuplicateTTL    time.Duration `yaml:"-" toml:"-"`
	// StaleAfter is the age at which a queued turn is reported as stuck. Zero disables the report.
	StaleAfter time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PushTimeoutRaw     string `yaml:"push_timeout" toml:"push_timeout"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout" toml:"dispatch_timeout"`
	DuplicateTTLRaw    string `yaml:"duplicate_ttl" toml:"duplicate_ttl"`
	StaleAfterRaw      string `yaml:"stale_after" toml:"stale_after"`
}

// StreamingConfig holds live streaming buffer sizes
type StreamingConfig struct {
	// SinkBuffer is how many live events queue per generation while the
	// session push catches up.
	SinkBuffer int `yaml:"sink_buffer" toml:"sink_buffer"`
	// TTSBuffer sizes each speech sink; a full one drops chunks.
	TTSBuffer int `yaml:"tts_buffer" toml:"tts_buffer"`
}

// AgentsConfig lists in-process agents to register at startup
type AgentsConfig struct {
	// Echo names agents served by the built-in echo provider
	Echo []string `yaml:"echo" toml:"echo"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// CHORUS_DB_PATH, when set, overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if dbPath := os.Getenv("CHORUS_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Orchestration.ContextWindow == 0 {
		c.Orchestration.ContextWindow = DefaultContextWindow
	}
	if c.Orchestration.PushTimeout == 0 {
		c.Orchestration.PushTimeout = DefaultPushTimeout
	}
	if c.Orchestration.DispatchTimeout == 0 {
		c.Orchestration.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Orchestration.DuplicateTTL == 0 {
		c.Orchestration.DuplicateTTL = DefaultDuplicateTTL
	}
	if c.Streaming.SinkBuffer == 0 {
		c.Streaming.SinkBuffer = DefaultSinkBuffer
	}
	if c.Streaming.TTSBuffer == 0 {
		c.Streaming.TTSBuffer = DefaultTTSBuffer
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Orchestration.ContextWindow < 0 {
		return fmt.Errorf("orchestration.context_window must not be negative")
	}
	if c.Orchestration.PushTimeout < 0 || c.Orchestration.DispatchTimeout < 0 ||
		c.Orchestration.DuplicateTTL < 0 || c.Orchestration.StaleAfter < 0 {
		return fmt.Errorf("orchestration durations must not be negative")
	}
	if c.Streaming.SinkBuffer < 0 || c.Streaming.TTSBuffer < 0 {
		return fmt.Errorf("streaming buffers must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"push_timeout", cfg.Orchestration.PushTimeoutRaw, &cfg.Orchestration.PushTimeout},
		{"dispatch_timeout", cfg.Orchestration.DispatchTimeoutRaw, &cfg.Orchestration.DispatchTimeout},
		{"duplicate_ttl", cfg.Orchestration.DuplicateTTLRaw, &cfg.Orchestration.DuplicateTTL},
		{"stale_after", cfg.Orchestration.StaleAfterRaw, &cfg.Orchestration.StaleAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
