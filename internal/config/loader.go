package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// candidatePaths is the discovery order for project-local configuration.
// The first file that exists wins; the user-level file is the fallback.
func candidatePaths(cwd string) []string {
	return []string{
		filepath.Join(cwd, "patchwork.json"),
		filepath.Join(cwd, ".patchwork.json"),
		filepath.Join(cwd, "patchwork.yaml"),
		filepath.Join(cwd, "patchwork.yml"),
		filepath.Join(StateDir(), "config.json"),
	}
}

// Load discovers and parses configuration, starting from the built-in
// defaults. A missing config file is not an error.
func Load(cwd string) (*Config, error) {
	cfg := Default()

	for _, path := range candidatePaths(cwd) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := parseInto(cfg, path, data); err != nil {
			return nil, err
		}
		break
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a specific config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := parseInto(cfg, path, data); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseInto merges one config file into cfg. JSON files are parsed as
// JSON5 so comments and trailing commas are tolerated. Values may
// reference environment variables with ${VAR} syntax.
func parseInto(cfg *Config, path string, data []byte) error {
	expanded := []byte(os.Expand(string(data), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Leave unknown references intact rather than erasing them.
		return "${" + key + "}"
	}))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	default:
		if err := json5.Unmarshal(expanded, cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	return nil
}

// applyEnvOverrides lets a few environment variables win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PATCHWORK_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PATCHWORK_ATTACH_URL"); v != "" {
		cfg.Daemon.AttachURL = v
	}
	if v := os.Getenv("PATCHWORK_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
}

// SaveUserConfig writes cfg to ~/.patchwork/config.json.
func SaveUserConfig(cfg *Config) error {
	dir := StateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
