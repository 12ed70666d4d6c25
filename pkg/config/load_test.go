package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, `
domains:
  app: apps.test.local
  mongo: mongodb.test.local
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("ListenAddress = %q, want default", cfg.Server.ListenAddress)
	}
	if cfg.Domains.Mongo != "mongodb.test.local" {
		t.Errorf("Mongo domain = %q", cfg.Domains.Mongo)
	}
	if cfg.Certificates.RenewBeforeDays != DefaultRenewBeforeDays {
		t.Errorf("RenewBeforeDays = %d, want %d", cfg.Certificates.RenewBeforeDays, DefaultRenewBeforeDays)
	}
	if cfg.Optimizer.Interval != 30*time.Second {
		t.Errorf("Optimizer.Interval = %v, want 30s", cfg.Optimizer.Interval)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "domains: [not: valid")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `
domains:
  app: "NOT A DOMAIN"
  mongo: mongodb.test.local
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "domains.app") {
		t.Errorf("error does not name the failing field: %v", err)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
domains:
  app: apps.test.local
  mongo: mongodb.test.local
`)

	t.Setenv("FRONTDOOR_MONGO_DOMAIN", "mongo.override.local")
	t.Setenv("FRONTDOOR_OPTIMIZER_ALGORITHM", "predictive")
	t.Setenv("FRONTDOOR_RECOVERY_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides: %v", err)
	}

	if cfg.Domains.Mongo != "mongo.override.local" {
		t.Errorf("Mongo domain = %q, want env override", cfg.Domains.Mongo)
	}
	if cfg.Optimizer.Algorithm != "predictive" {
		t.Errorf("Algorithm = %q, want predictive", cfg.Optimizer.Algorithm)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Recovery.MaxAttempts)
	}
}

func TestLoadConfigWithEnvOverridesMissingFile(t *testing.T) {
	cfg, err := LoadConfigWithEnvOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("ListenAddress = %q, want default", cfg.Server.ListenAddress)
	}
}
