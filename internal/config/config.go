// Package config loads the runtime configuration from YAML with
// PROTEAN_* environment overrides. A missing config file yields the
// defaults; an unreadable or malformed one is an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"protean/internal/evolution"
	"protean/internal/sandbox"
)

// Config is the full runtime configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Sandbox   sandbox.Config   `yaml:"sandbox"`
	Evolution evolution.Config `yaml:"evolution"`
	Generator GeneratorConfig  `yaml:"generator"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// StorageConfig names the on-disk locations.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// GeneratorConfig selects the code-generation backend.
type GeneratorConfig struct {
	// Backend is "gemini" or "none".
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	dataDir := defaultDataDir()
	evo := evolution.DefaultConfig()
	evo.ArtifactDir = filepath.Join(dataDir, "artifacts")
	return &Config{
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dataDir, "protean.db"),
		},
		Sandbox:   sandbox.DefaultConfig(),
		Evolution: evo,
		Generator: GeneratorConfig{
			Backend: "none",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".protean"
	}
	return filepath.Join(home, ".protean")
}

// DefaultPath is the config file location used when the flag is unset.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROTEAN_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("PROTEAN_ARTIFACT_DIR"); v != "" {
		c.Evolution.ArtifactDir = v
	}
	if v := os.Getenv("PROTEAN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROTEAN_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Generator.APIKey = v
		if c.Generator.Backend == "" || c.Generator.Backend == "none" {
			c.Generator.Backend = "gemini"
		}
	}
	if v := os.Getenv("PROTEAN_GENERATOR_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("PROTEAN_MAX_ATTEMPTS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Evolution.MaxAttempts = n
		}
	}
	if v := os.Getenv("PROTEAN_SANDBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Sandbox.Timeout = d
		}
	}
}
