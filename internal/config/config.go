// ABOUTME: Configuration loading and parsing for attune
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete attune configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EngineConfig holds conversation engine timing configuration
type EngineConfig struct {
	CancelGrace time.Duration `yaml:"-"`
	RunTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CancelGraceRaw string `yaml:"cancel_grace"`
	RunTimeoutRaw  string `yaml:"run_timeout"`
}

// JanitorConfig holds the stale-task sweep configuration
type JanitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"` // cron expression, default "*/5 * * * *"
	StaleTimeout time.Duration `yaml:"-"`

	StaleTimeoutRaw string `yaml:"stale_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default timing values applied when the config leaves them unset.
const (
	DefaultCancelGrace  = 5 * time.Second
	DefaultRunTimeout   = 5 * time.Minute
	DefaultStaleTimeout = 30 * time.Minute
	DefaultSchedule     = "*/5 * * * *"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// applyDefaults fills in timing values the file left unset
func (c *Config) applyDefaults() {
	if c.Engine.CancelGrace == 0 {
		c.Engine.CancelGrace = DefaultCancelGrace
	}
	if c.Engine.RunTimeout == 0 {
		c.Engine.RunTimeout = DefaultRunTimeout
	}
	if c.Janitor.StaleTimeout == 0 {
		c.Janitor.StaleTimeout = DefaultStaleTimeout
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = DefaultSchedule
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Engine.CancelGraceRaw != "" {
		cfg.Engine.CancelGrace, err = time.ParseDuration(cfg.Engine.CancelGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing cancel_grace %q: %w", cfg.Engine.CancelGraceRaw, err)
		}
	}

	if cfg.Engine.RunTimeoutRaw != "" {
		cfg.Engine.RunTimeout, err = time.ParseDuration(cfg.Engine.RunTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing run_timeout %q: %w", cfg.Engine.RunTimeoutRaw, err)
		}
	}

	if cfg.Janitor.StaleTimeoutRaw != "" {
		cfg.Janitor.StaleTimeout, err = time.ParseDuration(cfg.Janitor.StaleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_timeout %q: %w", cfg.Janitor.StaleTimeoutRaw, err)
		}
	}

	return nil
}
