package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./data/adblast.db
  busy_timeout: 2s
ratelimit:
  tokens_per_minute: 30
  burst: 10
  cooldown: 5m
dispatch:
  send_delay: 1s
  dry_run: true
http:
  enabled: true
  addr: ":8080"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section not decoded: %+v", cfg.Logging)
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.Cooldown != "5m" {
		t.Fatalf("ratelimit section not decoded: %+v", cfg.RateLimit)
	}
	if !cfg.Dispatch.DryRun {
		t.Fatalf("dispatch.dry_run not decoded")
	}

	d, err := cfg.RateLimit.CooldownDuration()
	if err != nil || d != 5*time.Minute {
		t.Fatalf("cooldown parsed as %v (%v), want 5m", d, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  consle: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown-key error for typo")
	}
}

func TestDurationAccessors(t *testing.T) {
	dc := DispatchConfig{SendDelay: " 750ms "}
	if d, err := dc.SendDelayDuration(); err != nil || d != 750*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}

	// Omitted fields fall back to the documented defaults.
	var empty DispatchConfig
	if d, err := empty.SendDelayDuration(); err != nil || d != time.Second {
		t.Fatalf("default send delay = %v (%v), want 1s", d, err)
	}
	if d, err := empty.TimeoutDuration(); err != nil || d != 0 {
		t.Fatalf("default timeout = %v (%v), want disabled", d, err)
	}
	var rl RateLimitConfig
	if d, err := rl.CooldownDuration(); err != nil || d != 5*time.Minute {
		t.Fatalf("default cooldown = %v (%v), want 5m", d, err)
	}

	if _, err := (DispatchConfig{Timeout: "-5s"}).TimeoutDuration(); err == nil {
		t.Fatalf("negative durations must be rejected")
	}
	if _, err := (DispatchConfig{Timeout: "soon"}).TimeoutDuration(); err == nil {
		t.Fatalf("garbage must be rejected")
	}
}
