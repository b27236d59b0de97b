package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policy, []byte("options: {}\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	content := "policy: " + policy + "\ntimeout: 5s\nmaxOutput: 128\nenvFiles: [a.env, b.env]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GOSANDBOX_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Policy != policy || cfg.MaxOutput != 128 || len(cfg.EnvFiles) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Fatalf("expected env override and default format, got %+v", cfg)
	}
	if d, _ := cfg.TimeoutDuration(); d != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", d)
	}
}

func TestLoadConfigDefaultPathMissing(t *testing.T) {
	t.Setenv("GOSANDBOX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Timeout != "30s" || cfg.LogLevel != "info" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for explicit missing file")
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for bad timeout")
	}

	if err := os.WriteFile(path, []byte("policy: "+filepath.Join(dir, "nope.yaml")+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing policy document")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("GOSANDBOX_CONFIG", "/tmp/custom.yaml")
	if got := DefaultConfigPath(); got != "/tmp/custom.yaml" {
		t.Fatalf("expected override, got %q", got)
	}
}
