package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8090" {
		t.Fatalf("default listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("default log format %q", cfg.Logging.Format)
	}
}

func TestLoadParsesDurationsAndNetworks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  listen_addr: ":9000"
mirror:
  networks:
    mainnet: https://mirror.example.com/api/v1
scheduler:
  collate_lead_time: 10s
  execute_delay: 5s
cache:
  staleness: 10s
  reclaim_window: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.Mirror.Networks["mainnet"] != "https://mirror.example.com/api/v1" {
		t.Fatalf("networks %v", cfg.Mirror.Networks)
	}
	if cfg.Scheduler.CollateLeadTime.Std() != 10*time.Second {
		t.Fatalf("collate lead time %v", cfg.Scheduler.CollateLeadTime.Std())
	}
	if cfg.Cache.ReclaimWindow.Std() != 2*time.Minute {
		t.Fatalf("reclaim window %v", cfg.Cache.ReclaimWindow.Std())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  url: postgres://file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://env" {
		t.Fatalf("database url %q", cfg.Database.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level %q", cfg.Logging.Level)
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  execute_delay: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}
