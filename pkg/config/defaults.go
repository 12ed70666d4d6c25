package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:3005"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Domain defaults
	DefaultAppDomain   = "apps.example.com"
	DefaultMongoDomain = "mongodb.example.com"

	// Path defaults
	DefaultHostBase      = "/opt/frontdoor"
	DefaultContainerBase = "/app"

	// Proxy defaults
	DefaultProxyAdminURL      = "http://127.0.0.1:8081"
	DefaultProxyContainerName = "frontdoor-proxy"
	DefaultDockerSocket       = "/var/run/docker.sock"
	DefaultReloadTimeout      = 30 * time.Second
	DefaultHealthInterval     = 15 * time.Second
	DefaultHealthTimeout      = 5 * time.Second

	// Certificate defaults
	DefaultCAValidityYears  = 10
	DefaultLeafValidityDays = 825
	DefaultRenewBeforeDays  = 30
	DefaultIssuePerHour     = 5
	DefaultRenewPerHour     = 10
	DefaultRevokePerHour    = 3

	// Monitor defaults
	DefaultMonitorSchedule = "@every 60m"
	DefaultWarningDays     = 30
	DefaultCriticalDays    = 7

	// Optimizer defaults
	DefaultOptimizerEnabled         = true
	DefaultOptimizerAlgorithm       = "adaptive"
	DefaultOptimizerInterval        = 30 * time.Second
	DefaultAdaptationRate           = 0.3
	DefaultEmergencyAdaptationRate  = 0.6
	DefaultMinWeightDelta           = 5
	DefaultOptimizerStatePath       = "data/optimizer.db"

	// Recovery defaults
	DefaultRecoveryMaxAttempts      = 5
	DefaultRecoveryBackoffBase      = 10 * time.Second
	DefaultRecoveryBackoffCap       = 5 * time.Minute
	DefaultRecoveryGracePeriod      = 4 * time.Second
	DefaultRecoveryFailureThreshold = 5

	// Telemetry defaults
	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "json"
	DefaultMetricsEnabled   = true
	DefaultMetricsNamespace = "frontdoor"
	DefaultMetricsPath      = "/metrics"
)

// ApplyDefaults fills in default values for any zero-valued configuration
// fields. It is called automatically by LoadConfig.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Domains.App == "" {
		cfg.Domains.App = DefaultAppDomain
	}
	if cfg.Domains.Mongo == "" {
		cfg.Domains.Mongo = DefaultMongoDomain
	}

	if cfg.Paths.HostDefault == "" {
		cfg.Paths.HostDefault = DefaultHostBase
	}
	if cfg.Paths.ContainerDefault == "" {
		cfg.Paths.ContainerDefault = DefaultContainerBase
	}
	if cfg.Paths.Fallback == "" {
		cfg.Paths.Fallback = filepath.Join(os.TempDir(), "frontdoor")
	}

	if cfg.Proxy.AdminURL == "" {
		cfg.Proxy.AdminURL = DefaultProxyAdminURL
	}
	if cfg.Proxy.ContainerName == "" {
		cfg.Proxy.ContainerName = DefaultProxyContainerName
	}
	if cfg.Proxy.DockerSocket == "" {
		cfg.Proxy.DockerSocket = DefaultDockerSocket
	}
	if cfg.Proxy.ReloadTimeout == 0 {
		cfg.Proxy.ReloadTimeout = DefaultReloadTimeout
	}
	if cfg.Proxy.HealthInterval == 0 {
		cfg.Proxy.HealthInterval = DefaultHealthInterval
	}
	if cfg.Proxy.HealthTimeout == 0 {
		cfg.Proxy.HealthTimeout = DefaultHealthTimeout
	}

	if cfg.Certificates.CAValidityYears == 0 {
		cfg.Certificates.CAValidityYears = DefaultCAValidityYears
	}
	if cfg.Certificates.LeafValidityDays == 0 {
		cfg.Certificates.LeafValidityDays = DefaultLeafValidityDays
	}
	if cfg.Certificates.RenewBeforeDays == 0 {
		cfg.Certificates.RenewBeforeDays = DefaultRenewBeforeDays
	}
	if cfg.Certificates.IssuePerHour == 0 {
		cfg.Certificates.IssuePerHour = DefaultIssuePerHour
	}
	if cfg.Certificates.RenewPerHour == 0 {
		cfg.Certificates.RenewPerHour = DefaultRenewPerHour
	}
	if cfg.Certificates.RevokePerHour == 0 {
		cfg.Certificates.RevokePerHour = DefaultRevokePerHour
	}

	if cfg.Monitor.Schedule == "" {
		cfg.Monitor.Schedule = DefaultMonitorSchedule
	}
	if cfg.Monitor.WarningDays == 0 {
		cfg.Monitor.WarningDays = DefaultWarningDays
	}
	if cfg.Monitor.CriticalDays == 0 {
		cfg.Monitor.CriticalDays = DefaultCriticalDays
	}

	if cfg.Optimizer.Algorithm == "" {
		cfg.Optimizer.Algorithm = DefaultOptimizerAlgorithm
	}
	if cfg.Optimizer.Interval == 0 {
		cfg.Optimizer.Interval = DefaultOptimizerInterval
	}
	if cfg.Optimizer.AdaptationRate == 0 {
		cfg.Optimizer.AdaptationRate = DefaultAdaptationRate
	}
	if cfg.Optimizer.EmergencyAdaptationRate == 0 {
		cfg.Optimizer.EmergencyAdaptationRate = DefaultEmergencyAdaptationRate
	}
	if cfg.Optimizer.MinWeightDelta == 0 {
		cfg.Optimizer.MinWeightDelta = DefaultMinWeightDelta
	}
	if cfg.Optimizer.StatePath == "" {
		cfg.Optimizer.StatePath = DefaultOptimizerStatePath
	}

	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = DefaultRecoveryMaxAttempts
	}
	if cfg.Recovery.BackoffBase == 0 {
		cfg.Recovery.BackoffBase = DefaultRecoveryBackoffBase
	}
	if cfg.Recovery.BackoffCap == 0 {
		cfg.Recovery.BackoffCap = DefaultRecoveryBackoffCap
	}
	if cfg.Recovery.GracePeriod == 0 {
		cfg.Recovery.GracePeriod = DefaultRecoveryGracePeriod
	}
	if cfg.Recovery.FailureThreshold == 0 {
		cfg.Recovery.FailureThreshold = DefaultRecoveryFailureThreshold
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
}

// NewDefaultConfig returns a configuration populated entirely from defaults.
// Useful for tests and for running without a config file.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Optimizer.Enabled = DefaultOptimizerEnabled
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	ApplyDefaults(cfg)
	return cfg
}
