package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RDMA.TimeoutMS != 1000 {
		t.Fatalf("default TimeoutMS = %d, want 1000", cfg.RDMA.TimeoutMS)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	if err := Set("build.prefetch", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set("build.eager_resume", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := Get("build.prefetch")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "2" {
		t.Fatalf("Get(build.prefetch) = %q, want %q", got, "2")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Build.Prefetch != 2 || !cfg.Build.EagerResume {
		t.Fatalf("cfg.Build = %+v, want Prefetch=2 EagerResume=true", cfg.Build)
	}
}

func TestSetUnknownKeyFails(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	if err := Set("nonsense.key", "1"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestSessionOverridesDecode(t *testing.T) {
	cfg := &Config{Session: map[string]any{"prefetch": 4, "eager_resume": true}}
	var dst struct {
		Prefetch    int  `mapstructure:"prefetch"`
		EagerResume bool `mapstructure:"eager_resume"`
	}
	if err := cfg.SessionOverrides(&dst); err != nil {
		t.Fatalf("SessionOverrides: %v", err)
	}
	if dst.Prefetch != 4 || !dst.EagerResume {
		t.Fatalf("dst = %+v, want Prefetch=4 EagerResume=true", dst)
	}
}

func TestConfigPathUnderHome(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")

	if got := ConfigPath(); got != filepath.Join(dir, "config.toml") {
		t.Fatalf("ConfigPath() = %q", got)
	}
}
