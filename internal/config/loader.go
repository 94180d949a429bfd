package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration with the usual precedence: defaults, then
// the YAML file (if present), then WRANGLER_* environment variables.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays WRANGLER_* variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WRANGLER_STORAGE_DIALECT"); v != "" {
		cfg.Storage.Dialect = v
	}
	if v := os.Getenv("WRANGLER_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("WRANGLER_RUNNER_BASE_DIR"); v != "" {
		cfg.Runner.BaseDir = v
	}
	if v := os.Getenv("WRANGLER_RUNNER_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.StopTimeout = d
		}
	}
	if v := os.Getenv("WRANGLER_RUNNER_MAX_LOG_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Runner.MaxLogSizeBytes = n
		}
	}
	if v := os.Getenv("WRANGLER_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WRANGLER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WRANGLER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage dialect: %q", c.Storage.Dialect)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage dsn required")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Log.Format)
	}
	return nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
