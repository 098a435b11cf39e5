package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissingCredentials is returned when no API key can be resolved for
// the requested provider.
var ErrMissingCredentials = errors.New("missing credentials")

// Credentials is the on-disk shape of ~/.patchwork/credentials.json.
type Credentials struct {
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	OpenAIAPIKey    string `json:"openaiApiKey,omitempty"`
}

func credentialsPath() string {
	return filepath.Join(StateDir(), "credentials.json")
}

// LoadCredentials reads the stored credentials file. A missing file
// yields empty credentials, not an error.
func LoadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(credentialsPath())
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// SaveCredentials writes credentials with owner-only permissions.
func SaveCredentials(creds *Credentials) error {
	dir := StateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(credentialsPath(), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// ResolveAPIKey returns the API key for a provider. Environment variables
// take precedence over the stored credentials file.
func ResolveAPIKey(provider string) (string, error) {
	var envVar, stored string

	creds, err := LoadCredentials()
	if err != nil {
		return "", err
	}

	switch strings.ToLower(provider) {
	case "openai":
		envVar = "OPENAI_API_KEY"
		stored = creds.OpenAIAPIKey
	default:
		envVar = "ANTHROPIC_API_KEY"
		stored = creds.AnthropicAPIKey
	}

	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if stored != "" {
		return stored, nil
	}
	return "", fmt.Errorf("%w: set %s or run `patchwork login`", ErrMissingCredentials, envVar)
}

// ProviderForModel infers the transport from the model id unless the
// config pins one explicitly.
func ProviderForModel(cfg *Config, model string) string {
	if cfg != nil && cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return "openai"
	}
	return "anthropic"
}
