package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any
// errors. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	// Boolean defaults cannot be told apart from an explicit false after
	// unmarshaling, so they are set before the file is applied.
	var cfg Config
	cfg.Optimizer.Enabled = DefaultOptimizerEnabled
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention FRONTDOOR_SECTION_FIELD (e.g. FRONTDOOR_SERVER_LISTEN_ADDRESS)
// and always take precedence over file-based configuration.
//
// If the file does not exist, a default configuration is used as the base so
// the front door can run from environment alone.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = NewDefaultConfig()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables use the format FRONTDOOR_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FRONTDOOR_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("FRONTDOOR_APP_DOMAIN"); val != "" {
		cfg.Domains.App = val
	}
	if val := os.Getenv("FRONTDOOR_MONGO_DOMAIN"); val != "" {
		cfg.Domains.Mongo = val
	}
	if val := os.Getenv("FRONTDOOR_BASE_DIR"); val != "" {
		cfg.Paths.Base = val
	}
	if val := os.Getenv("FRONTDOOR_PROXY_ADMIN_URL"); val != "" {
		cfg.Proxy.AdminURL = val
	}
	if val := os.Getenv("FRONTDOOR_PROXY_CONTAINER_NAME"); val != "" {
		cfg.Proxy.ContainerName = val
	}
	if val := os.Getenv("FRONTDOOR_DOCKER_SOCKET"); val != "" {
		cfg.Proxy.DockerSocket = val
	}
	if val := os.Getenv("FRONTDOOR_PROXY_RELOAD_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.ReloadTimeout = d
		}
	}
	if val := os.Getenv("FRONTDOOR_CERTS_RENEW_BEFORE_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Certificates.RenewBeforeDays = i
		}
	}
	if val := os.Getenv("FRONTDOOR_MONITOR_SCHEDULE"); val != "" {
		cfg.Monitor.Schedule = val
	}
	if val := os.Getenv("FRONTDOOR_OPTIMIZER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Optimizer.Enabled = b
		}
	}
	if val := os.Getenv("FRONTDOOR_OPTIMIZER_ALGORITHM"); val != "" {
		cfg.Optimizer.Algorithm = val
	}
	if val := os.Getenv("FRONTDOOR_OPTIMIZER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Optimizer.Interval = d
		}
	}
	if val := os.Getenv("FRONTDOOR_RECOVERY_MAX_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Recovery.MaxAttempts = i
		}
	}
	if val := os.Getenv("FRONTDOOR_LOG_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("FRONTDOOR_LOG_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("FRONTDOOR_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = b
		}
	}
}
