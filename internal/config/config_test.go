package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Dialect != "sqlite" {
		t.Errorf("dialect = %q, want sqlite", cfg.Storage.Dialect)
	}
	if cfg.Storage.MaxOpenConns != 10 {
		t.Errorf("max open conns = %d, want 10", cfg.Storage.MaxOpenConns)
	}
	if cfg.Runner.StopTimeout != 5*time.Second {
		t.Errorf("stop timeout = %v, want 5s", cfg.Runner.StopTimeout)
	}
	if cfg.Runner.MaxLogSizeBytes != 10<<20 {
		t.Errorf("max log size = %d, want 10MiB", cfg.Runner.MaxLogSizeBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Dialect != "sqlite" {
		t.Errorf("dialect = %q, want sqlite", cfg.Storage.Dialect)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  dialect: postgres
  dsn: postgres://localhost/wrangler
server:
  addr: ":9000"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WRANGLER_SERVER_ADDR", ":9001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Dialect != "postgres" {
		t.Errorf("dialect = %q, want postgres", cfg.Storage.Dialect)
	}
	if cfg.Server.Addr != ":9001" {
		t.Errorf("addr = %q, env should override file", cfg.Server.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dialect = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown dialect")
	}

	cfg = Default()
	cfg.Storage.DSN = " "
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for blank dsn")
	}

	cfg = Default()
	cfg.Log.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "config.yaml")
	cfg := Default()
	cfg.Server.Addr = ":7777"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != ":7777" {
		t.Errorf("addr = %q, want :7777", loaded.Server.Addr)
	}
}
