package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved != path {
		t.Fatalf("resolved path = %s, want %s", resolved, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	def := Default()
	if cfg.Addr != def.Addr || cfg.Store != StoreMemory || cfg.Bus != BusLocal {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Gateway.HeartbeatInterval != def.Gateway.HeartbeatInterval {
		t.Fatalf("heartbeat interval = %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Relay.PublishTries != def.Relay.PublishTries {
		t.Fatalf("publish tries = %d", cfg.Relay.PublishTries)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
addr: ":9090"
store: redis
redis:
  addr: "cache:6379"
  db: 2
lifecycle:
  cleanup_interval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Store != StoreRedis {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis section not applied: %+v", cfg.Redis)
	}
	if cfg.Lifecycle.CleanupInterval != 2*time.Second {
		t.Fatalf("cleanup interval = %v", cfg.Lifecycle.CleanupInterval)
	}
	if cfg.Bus != BusLocal {
		t.Fatalf("unset keys keep defaults, bus = %s", cfg.Bus)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DUOCHAT_ADDR", ":7070")
	t.Setenv("DUOCHAT_NATS_URL", "nats://bus:4222")
	t.Setenv("DUOCHAT_BUS", "nats")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("env should win over file, addr = %s", cfg.Addr)
	}
	if cfg.Bus != BusNATS || cfg.NATS.URL != "nats://bus:4222" {
		t.Fatalf("nested env not applied: bus=%s nats=%+v", cfg.Bus, cfg.NATS)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store: postgres\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(nil, path); err == nil {
		t.Fatal("expected validation error for unknown store")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg.Bus = "kafka"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown bus")
	}

	cfg = Default()
	cfg.Gateway.HeartbeatInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero heartbeat interval")
	}
}
