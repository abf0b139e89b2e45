// Package config provides configuration management for the relay.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Placeholder sentinels that ship in the example config and must be replaced
// before a backend is considered configured.
var placeholderValues = map[string]bool{
	"your-api-key":       true,
	"your-bot-id":        true,
	"your-workflow-id":   true,
	"your-client-id":     true,
	"your-public-key-id": true,
}

// DirectConfig holds the settings for the direct chat-completion backend.
type DirectConfig struct {
	APIKey      string   `json:"api_key" envconfig:"DIRECT_API_KEY"`
	BaseURL     string   `json:"base_url" envconfig:"DIRECT_BASE_URL"`
	Model       string   `json:"model" envconfig:"DIRECT_MODEL"`
	Provider    string   `json:"provider,omitempty" envconfig:"DIRECT_PROVIDER"`
	Temperature *float64 `json:"temperature,omitempty" ignored:"true"`
	MaxTokens   *int     `json:"max_tokens,omitempty" ignored:"true"`
}

// CozeConfig holds the agent-platform backend settings. Authentication is
// JWT OAuth only: a signed assertion built from client_id, private_key and
// public_key_id is exchanged for a bearer token.
type CozeConfig struct {
	ClientID            string `json:"client_id" envconfig:"COZE_CLIENT_ID"`
	PrivateKey          string `json:"private_key" envconfig:"COZE_PRIVATE_KEY"`
	PublicKeyID         string `json:"public_key_id" envconfig:"COZE_PUBLIC_KEY_ID"`
	WorkflowID          string `json:"workflow_id" envconfig:"COZE_WORKFLOW_ID"`
	BotID               string `json:"bot_id,omitempty" envconfig:"COZE_BOT_ID"`
	BaseURL             string `json:"base_url" envconfig:"COZE_BASE_URL"`
	TokenRefreshMinutes int    `json:"token_refresh_minutes,omitempty" ignored:"true"`
	CredentialCachePath string `json:"credential_cache_path,omitempty" ignored:"true"`
}

// DifyConfig holds the workflow-platform backend settings.
type DifyConfig struct {
	APIKey  string `json:"api_key" envconfig:"DIFY_API_KEY"`
	BaseURL string `json:"base_url" envconfig:"DIFY_BASE_URL"`
}

// Config holds all relay configuration.
type Config struct {
	// Listen list: one [user, role, backend] row per listened conversation.
	ListenList [][]string `json:"listen_list" ignored:"true"`

	// Context window size in groups (one group = user turn + assistant turn).
	MaxGroups int `json:"max_groups" ignored:"true"`

	// Clear a user's stored context when the backend rejects it as sensitive.
	EnableSensitiveClearing bool `json:"enable_sensitive_clearing" ignored:"true"`

	// Durable context store location.
	ContextPath string `json:"context_path" envconfig:"CONTEXT_PATH"`

	// Directory of per-role persona files ("<role>.md").
	PersonaDir string `json:"persona_dir" envconfig:"PERSONA_DIR"`

	// Logging
	LogLevel string `json:"log_level,omitempty" envconfig:"LOG_LEVEL"`
	LogFile  string `json:"log_file,omitempty" envconfig:"LOG_FILE"`

	// Per-backend settings
	Direct DirectConfig `json:"llm_direct"`
	Coze   CozeConfig   `json:"coze"`
	Dify   DifyConfig   `json:"dify"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	temperature := 1.1
	maxTokens := 2000
	return &Config{
		ListenList:  [][]string{},
		MaxGroups:   5,
		ContextPath: filepath.Join(".werelay", "context.json"),
		PersonaDir:  "personas",
		LogLevel:    "INFO",
		Direct: DirectConfig{
			BaseURL:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		},
		Coze: CozeConfig{
			BaseURL:             "https://api.coze.cn",
			TokenRefreshMinutes: 30,
			CredentialCachePath: filepath.Join(".werelay", "coze_token.json"),
		},
		Dify: DifyConfig{
			BaseURL: "https://api.dify.ai/v1",
		},
	}
}

// GetConfigPaths returns candidate config file locations in priority order.
func GetConfigPaths(cliPath string) []string {
	var paths []string
	if cliPath != "" {
		paths = append(paths, cliPath)
	}
	paths = append(paths, filepath.Join(".werelay", "config.json"), "werelay.json")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".werelay", "config.json"))
	}
	return paths
}

// Load reads the first config file found, applies WERELAY_* environment
// overrides, and validates. Returns the configuration and the path it was
// loaded from.
func Load(cliPath string) (*Config, string, error) {
	paths := GetConfigPaths(cliPath)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cfg := DefaultConfig()
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, path, fmt.Errorf("invalid JSON in config file %s: %w", path, err)
		}
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, path, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, path, fmt.Errorf("configuration validation failed in %s: %w", path, err)
		}
		return cfg, path, nil
	}

	defaultPath := filepath.Join(".werelay", "config.json")
	cfg := DefaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, defaultPath, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, defaultPath, fmt.Errorf("default configuration validation failed: %w", err)
	}
	return cfg, defaultPath, cfg.Save(defaultPath)
}

// applyEnvOverrides layers WERELAY_* environment variables over the file.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process("werelay", cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks structural settings. Per-backend credential checks happen
// at adapter construction so a single broken backend does not reject the
// whole file; only values that are set get format-checked here.
func (c *Config) Validate() error {
	if c.MaxGroups < 1 {
		return fmt.Errorf("max_groups must be at least 1, got %d", c.MaxGroups)
	}
	if c.ContextPath == "" {
		return fmt.Errorf("context_path is required")
	}

	if c.Direct.BaseURL != "" {
		if err := validateURL(c.Direct.BaseURL); err != nil {
			return fmt.Errorf("llm_direct.base_url: %w", err)
		}
	}
	if c.Coze.BaseURL != "" {
		if err := validateURL(c.Coze.BaseURL); err != nil {
			return fmt.Errorf("coze.base_url: %w", err)
		}
	}
	if c.Dify.BaseURL != "" {
		if err := validateURL(c.Dify.BaseURL); err != nil {
			return fmt.Errorf("dify.base_url: %w", err)
		}
	}

	if err := validateLLMParams(c.Direct.Temperature, c.Direct.MaxTokens); err != nil {
		return fmt.Errorf("llm_direct: %w", err)
	}

	for i, entry := range c.ListenList {
		if len(entry) != 3 {
			return fmt.Errorf("listen_list entry %d must have exactly 3 elements [user, role, backend], got %d", i, len(entry))
		}
	}

	return nil
}

// IsPlaceholder reports whether a config value is empty or one of the
// sentinel values from the example config.
func IsPlaceholder(value string) bool {
	v := strings.TrimSpace(strings.ToLower(value))
	return v == "" || placeholderValues[v]
}

// validateURL validates that a URL is properly formatted.
func validateURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("URL must have a valid host")
	}
	return nil
}

// validateLLMParams validates chat parameter ranges.
func validateLLMParams(temp *float64, maxTokens *int) error {
	if temp != nil && (*temp < 0.0 || *temp > 2.0) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", *temp)
	}
	if maxTokens != nil {
		if *maxTokens < 1 {
			return fmt.Errorf("max_tokens must be at least 1, got %d", *maxTokens)
		}
		if *maxTokens > 1000000 {
			return fmt.Errorf("max_tokens seems too large (%d), please verify", *maxTokens)
		}
	}
	return nil
}
