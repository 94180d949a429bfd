// Package config provides configuration management for wrangler.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// WranglerDir is the wrangler configuration directory under $HOME.
	WranglerDir = ".wrangler"
)

// StorageConfig selects the relational store.
type StorageConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RunnerConfig configures the process supervisor.
type RunnerConfig struct {
	// BaseDir holds state.json plus the logs/ and pids/ directories.
	BaseDir string `yaml:"base_dir"`

	MaxLogSizeBytes int64         `yaml:"max_log_size_bytes"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`

	// BlockedEnv variables are stripped from child environments.
	BlockedEnv []string `yaml:"blocked_env,omitempty"`
	// AllowedCwds restricts child working directories: plain prefixes
	// or doublestar glob patterns. Empty means any.
	AllowedCwds []string `yaml:"allowed_cwds,omitempty"`
}

// ServerConfig configures the HTTP action surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins feeds the CORS layer; empty allows none.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text", "json", or "auto" (json unless stderr is a TTY).
	Format string `yaml:"format"`
}

// Config is the root wrangler configuration.
type Config struct {
	Version int           `yaml:"version"`
	Storage StorageConfig `yaml:"storage"`
	Runner  RunnerConfig  `yaml:"runner"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// HomeDir returns the wrangler directory under the user's home,
// honoring WRANGLER_HOME.
func HomeDir() string {
	if dir := os.Getenv("WRANGLER_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return WranglerDir
	}
	return filepath.Join(home, WranglerDir)
}

// Default returns the baseline configuration.
func Default() *Config {
	home := HomeDir()
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Dialect:         "sqlite",
			DSN:             filepath.Join(home, "wrangler.db"),
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Runner: RunnerConfig{
			BaseDir:         filepath.Join(home, "runner"),
			MaxLogSizeBytes: 10 << 20,
			StopTimeout:     5 * time.Second,
			BlockedEnv:      []string{"WRANGLER_HOME"},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(HomeDir(), ConfigFileName)
}
