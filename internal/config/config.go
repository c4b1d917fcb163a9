// ABOUTME: Configuration loading and parsing for the C2 server.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Agents  AgentsConfig  `yaml:"agents"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	// BindAddr is the TCP address agents connect to.
	BindAddr string `yaml:"bind_addr"`
	// HTTPAddr serves the read-only stats endpoints. Empty disables them.
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds the shared agent authentication secret.
type AuthConfig struct {
	Password string `yaml:"password"`
}

// AgentsConfig holds session and liveness timing configuration.
type AgentsConfig struct {
	ReadTimeout         time.Duration `yaml:"-"`
	HandshakeTimeout    time.Duration `yaml:"-"`
	SweepInterval       time.Duration `yaml:"-"`
	InactiveThreshold   time.Duration `yaml:"-"`
	DisconnectThreshold time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReadTimeoutRaw         string `yaml:"read_timeout"`
	HandshakeTimeoutRaw    string `yaml:"handshake_timeout"`
	SweepIntervalRaw       string `yaml:"sweep_interval"`
	InactiveThresholdRaw   string `yaml:"inactive_threshold"`
	DisconnectThresholdRaw string `yaml:"disconnect_threshold"`
}

// HistoryConfig holds the command/disconnect history database settings.
type HistoryConfig struct {
	// Path is the SQLite file, or ":memory:"; empty disables history.
	Path string `yaml:"path"`
}

// LogConfig holds the in-memory activity log settings.
type LogConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default timing values, matching the sweeper and session defaults.
const (
	DefaultBindAddr            = "0.0.0.0:8080"
	DefaultReadTimeout         = 30 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultSweepInterval       = 30 * time.Second
	DefaultInactiveThreshold   = 60 * time.Second
	DefaultDisconnectThreshold = 300 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = DefaultBindAddr
	}
	if c.Agents.ReadTimeout == 0 {
		c.Agents.ReadTimeout = DefaultReadTimeout
	}
	if c.Agents.HandshakeTimeout == 0 {
		c.Agents.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Agents.InactiveThreshold == 0 {
		c.Agents.InactiveThreshold = DefaultInactiveThreshold
	}
	if c.Agents.DisconnectThreshold == 0 {
		c.Agents.DisconnectThreshold = DefaultDisconnectThreshold
	}
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Auth.Password == "" {
		return fmt.Errorf("auth.password is required")
	}
	if c.Agents.InactiveThreshold >= c.Agents.DisconnectThreshold {
		return fmt.Errorf("agents.inactive_threshold must be below agents.disconnect_threshold")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agents.ReadTimeoutRaw, "read_timeout", &cfg.Agents.ReadTimeout},
		{cfg.Agents.HandshakeTimeoutRaw, "handshake_timeout", &cfg.Agents.HandshakeTimeout},
		{cfg.Agents.SweepIntervalRaw, "sweep_interval", &cfg.Agents.SweepInterval},
		{cfg.Agents.InactiveThresholdRaw, "inactive_threshold", &cfg.Agents.InactiveThreshold},
		{cfg.Agents.DisconnectThresholdRaw, "disconnect_threshold", &cfg.Agents.DisconnectThreshold},
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
