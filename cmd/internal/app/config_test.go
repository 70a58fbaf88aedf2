package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("NORTHSTAR_CONFIG_FILE", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.SlotDuration != 400*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DBSchema != "northstar" {
		t.Fatalf("schema: %q", cfg.DBSchema)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "northstar.yaml")
	yml := `
http_addr: "127.0.0.1:9000"
log_level: debug
slot_duration: 1s
cors_allowed_origins: ["https://app.example.com"]
api:
  dev_faucet: true
  rate_burst: 50
ws:
  max_replay: 10
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NORTHSTAR_LOG_LEVEL", "warn")
	t.Setenv("NORTHSTAR_WS_MAX_REPLAY", "25")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("http addr: %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env should win over file: %q", cfg.LogLevel)
	}
	if cfg.SlotDuration != time.Second {
		t.Fatalf("slot duration: %v", cfg.SlotDuration)
	}
	if !cfg.API.DevFaucet || cfg.API.RateBurst != 50 {
		t.Fatalf("api overlay: %+v", cfg.API)
	}
	if cfg.WS.MaxReplay != 25 {
		t.Fatalf("ws max replay: %d", cfg.WS.MaxReplay)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("cors: %v", cfg.CORSAllowedOrigins)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.SlotDuration = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero slot duration")
	}

	bad = DefaultConfig()
	bad.HTTPAddr = " "
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty http addr")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
