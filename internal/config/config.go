// Package config loads and manages kite's configuration.
// Source precedence, highest first:
//  1. environment variables (KITE_API_KEY, KITE_BASE_URL, KITE_MODEL),
//     with a .env file in the working directory loaded first
//  2. the --config flag path
//  3. ~/.config/kite/config.yaml
//
// The API key lives here too: APIKey / ClearAPIKey are the whole
// credential surface the rest of the program sees.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultBaseURL = "https://api.kitechat.dev/v1"

// Config is kite's complete configuration.
type Config struct {
	// BaseURL of the hosted generation service.
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer credential for the service.
	APIKey string `yaml:"api_key"`

	// Model is the preferred model; empty picks the first catalog entry.
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string `yaml:"system_prompt"`

	// DBPath overrides the default database location.
	DBPath string `yaml:"db_path"`

	// path the config was loaded from, for writes.
	path string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{BaseURL: defaultBaseURL}
}

// Load reads the config file and applies environment overrides.
// A missing file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	// Best effort: a .env in the working directory feeds the overrides.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".config", "kite", "config.yaml")
		}
	}
	cfg.path = configPath

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("KITE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("KITE_MODEL"); v != "" {
		cfg.Model = v
	}
}

// ResolveDBPath returns the database path, defaulting to
// ~/.local/share/kite/kite.db.
func (c *Config) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "kite", "kite.db"), nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("no config path to save to")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ClearAPIKey removes the stored credential and persists the change.
func (c *Config) ClearAPIKey() error {
	c.APIKey = ""
	return c.Save()
}
