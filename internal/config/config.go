// Package config loads and validates the Patchwork configuration from disk
// and resolves provider credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned for malformed or out-of-range configuration.
// Config errors are fatal to the requesting call, never to the daemon.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the recognized configuration surface. Unknown keys in config
// files are ignored.
type Config struct {
	// Model is the default model id for prompt runs.
	Model string `json:"model" yaml:"model"`

	// Provider forces a transport ("anthropic" or "openai"); empty means
	// infer from the model id.
	Provider string `json:"provider" yaml:"provider"`

	Timeout TimeoutConfig `json:"timeout" yaml:"timeout"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Daemon  DaemonConfig  `json:"daemon" yaml:"daemon"`
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Permission is the raw policy map, normalized at startup.
	Permission map[string]any `json:"permission" yaml:"permission"`

	// PermissionTimeoutMs bounds how long an "ask" waits before
	// auto-deny. Default: 5 minutes.
	PermissionTimeoutMs int `json:"permissionTimeoutMs" yaml:"permissionTimeoutMs"`

	// MaxSteps bounds the per-prompt agent loop. Default: 8.
	MaxSteps int `json:"maxSteps" yaml:"maxSteps"`

	// MCP configures external tool servers by name.
	MCP map[string]MCPServerConfig `json:"mcp" yaml:"mcp"`
}

// TimeoutConfig holds model call deadlines.
type TimeoutConfig struct {
	// ModelMs is the model completion timeout in milliseconds,
	// within [1000, 600000]. Zero means no explicit deadline.
	ModelMs int `json:"modelMs" yaml:"modelMs"`
}

// LoggingConfig controls daemon logging.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	// Print mirrors log output to stderr in addition to the log file.
	Print bool `json:"print" yaml:"print"`
}

// DaemonConfig controls the HTTP listener.
type DaemonConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// AttachURL points the CLI at an already-running daemon.
	AttachURL string `json:"attachUrl" yaml:"attachUrl"`
}

// StorageConfig selects the event log backend.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver" yaml:"driver"`
	// Path is the SQLite database location; defaults to
	// ~/.patchwork/sessions.db.
	Path string `json:"path" yaml:"path"`
	// DSN is the postgres connection string when Driver is "postgres".
	DSN string `json:"dsn" yaml:"dsn"`
}

// MCPServerConfig describes one external tool server.
type MCPServerConfig struct {
	// Enabled defaults to true when the server is configured.
	Enabled *bool             `json:"enabled" yaml:"enabled"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
	Cwd     string            `json:"cwd" yaml:"cwd"`
}

// IsEnabled reports whether the server should be started.
func (c MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:               "claude-sonnet-4-20250514",
		Timeout:             TimeoutConfig{ModelMs: 120000},
		Logging:             LoggingConfig{Level: "info"},
		Daemon:              DaemonConfig{Host: "127.0.0.1", Port: 8377},
		Storage:             StorageConfig{Driver: "sqlite"},
		PermissionTimeoutMs: 300000,
		MaxSteps:            8,
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Timeout.ModelMs != 0 && (c.Timeout.ModelMs < 1000 || c.Timeout.ModelMs > 600000) {
		return fmt.Errorf("%w: timeout.modelMs %d outside [1000, 600000]", ErrInvalidConfig, c.Timeout.ModelMs)
	}
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("%w: daemon.port %d outside [1, 65535]", ErrInvalidConfig, c.Daemon.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("%w: storage.driver postgres requires storage.dsn", ErrInvalidConfig)
	}
	for name, server := range c.MCP {
		if server.IsEnabled() && strings.TrimSpace(server.Command) == "" {
			return fmt.Errorf("%w: mcp.%s: command is required", ErrInvalidConfig, name)
		}
	}
	return nil
}

// StateDir returns the per-user state directory (~/.patchwork).
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patchwork"
	}
	return filepath.Join(home, ".patchwork")
}

// DBPath resolves the SQLite path, honoring the config override.
func (c *Config) DBPath() string {
	if strings.TrimSpace(c.Storage.Path) != "" {
		return c.Storage.Path
	}
	return filepath.Join(StateDir(), "sessions.db")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// BaseURL returns the daemon address the CLI should talk to.
func (c *Config) BaseURL() string {
	if strings.TrimSpace(c.Daemon.AttachURL) != "" {
		return strings.TrimRight(c.Daemon.AttachURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Daemon.Host, c.Daemon.Port)
}
