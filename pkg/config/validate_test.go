package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultConfig(t *testing.T) {
	if err := Validate(NewDefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Domains.App = "bad domain"
	cfg.Optimizer.Algorithm = "wishful"
	cfg.Recovery.MaxAttempts = 0
	cfg.Recovery.FailureThreshold = 1 // keep valid so only intended errors fire

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}

	verr, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Errors) != 3 {
		t.Errorf("collected %d errors, want 3: %v", len(verr.Errors), verr)
	}
}

func TestValidateFieldChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "server.listen_address"},
		{"bad admin url", func(c *Config) { c.Proxy.AdminURL = "not-a-url" }, "proxy.admin_url"},
		{"renew window too large", func(c *Config) { c.Certificates.RenewBeforeDays = 900 }, "certificates.renew_before_days"},
		{"adaptation rate out of range", func(c *Config) { c.Optimizer.AdaptationRate = 1.5 }, "optimizer.adaptation_rate"},
		{"backoff cap below base", func(c *Config) { c.Recovery.BackoffCap = c.Recovery.BackoffBase / 2 }, "recovery.backoff_cap"},
		{"unknown log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "telemetry.logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %v does not mention %s", err, tt.field)
			}
		})
	}
}
