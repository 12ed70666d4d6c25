package config

import "time"

// Config is the root configuration structure for the front door.
// It contains all configuration sections for the API server, domains,
// filesystem layout, proxy engine, certificates, monitoring, the load
// optimizer, recovery, and telemetry.
type Config struct {
	// Server contains the public HTTP API server configuration.
	Server ServerConfig `yaml:"server"`

	// Domains contains the two parent domains agents are published under.
	Domains DomainsConfig `yaml:"domains"`

	// Paths contains overrides for the filesystem layout resolver.
	Paths PathsConfig `yaml:"paths"`

	// Proxy contains connectivity settings for the sibling proxy engine:
	// admin API address, container name, and reload behavior.
	Proxy ProxyConfig `yaml:"proxy"`

	// Certificates contains certificate authority and leaf issuance settings.
	Certificates CertificatesConfig `yaml:"certificates"`

	// Monitor contains the background certificate monitor settings.
	Monitor MonitorConfig `yaml:"monitor"`

	// Optimizer contains the load optimizer settings.
	Optimizer OptimizerConfig `yaml:"optimizer"`

	// Recovery contains the proxy recovery escalator settings.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the public HTTP API server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Format: "host:port". Default: "127.0.0.1:3005"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response writes.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DomainsConfig contains the parent domains for published routes.
type DomainsConfig struct {
	// App is the parent domain for HTTP application routes
	// (e.g. "apps.example.com" publishes "<subdomain>.apps.example.com").
	App string `yaml:"app"`

	// Mongo is the parent domain for MongoDB SNI routes
	// (e.g. "mongodb.example.com" publishes "<agent>.mongodb.example.com").
	Mongo string `yaml:"mongo"`
}

// PathsConfig contains overrides for the filesystem layout resolver.
// When Base is empty the resolver probes the environment and picks the
// first usable candidate.
type PathsConfig struct {
	// Base overrides the resolved base directory. Optional.
	Base string `yaml:"base"`

	// HostDefault is the base directory used when running directly on a host.
	// Default: /opt/frontdoor
	HostDefault string `yaml:"host_default"`

	// ContainerDefault is the base directory used inside a container.
	// Default: /app
	ContainerDefault string `yaml:"container_default"`

	// Fallback is the last-resort base directory.
	// Default: os.TempDir()/frontdoor
	Fallback string `yaml:"fallback"`
}

// ProxyConfig contains connectivity settings for the sibling proxy engine.
type ProxyConfig struct {
	// AdminURL is the base URL of the proxy admin / stats API.
	// Default: "http://127.0.0.1:8081"
	AdminURL string `yaml:"admin_url"`

	// ContainerName is the proxy container name used for lifecycle actions.
	// Default: "frontdoor-proxy"
	ContainerName string `yaml:"container_name"`

	// DockerSocket is the container runtime socket path.
	// Default: "/var/run/docker.sock"
	DockerSocket string `yaml:"docker_socket"`

	// ReloadTimeout bounds a single reload signal round trip.
	// Default: 30s
	ReloadTimeout time.Duration `yaml:"reload_timeout"`

	// HealthInterval is the cadence of the proxy health probe loop.
	// Default: 15s
	HealthInterval time.Duration `yaml:"health_interval"`

	// HealthTimeout bounds a single health probe.
	// Default: 5s
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// CertificatesConfig contains certificate authority and issuance settings.
type CertificatesConfig struct {
	// CAValidityYears is the self-signed CA certificate lifetime.
	// Default: 10
	CAValidityYears int `yaml:"ca_validity_years"`

	// LeafValidityDays is the agent certificate lifetime.
	// Default: 825
	LeafValidityDays int `yaml:"leaf_validity_days"`

	// RenewBeforeDays is how close to expiry a certificate must be before
	// the renewal scan re-issues it.
	// Default: 30
	RenewBeforeDays int `yaml:"renew_before_days"`

	// IssuePerHour, RenewPerHour, and RevokePerHour cap how many operations
	// of each class the certificate breaker admits per sliding hour.
	// Defaults: 5, 10, 3
	IssuePerHour  int `yaml:"issue_per_hour"`
	RenewPerHour  int `yaml:"renew_per_hour"`
	RevokePerHour int `yaml:"revoke_per_hour"`
}

// MonitorConfig contains the background certificate monitor settings.
type MonitorConfig struct {
	// Schedule is the cron expression for periodic certificate scans.
	// Default: "@every 60m"
	Schedule string `yaml:"schedule"`

	// WarningDays is the days-until-expiry threshold for warning events.
	// Default: 30
	WarningDays int `yaml:"warning_days"`

	// CriticalDays is the days-until-expiry threshold for critical events.
	// Default: 7
	CriticalDays int `yaml:"critical_days"`
}

// OptimizerConfig contains the load optimizer settings.
type OptimizerConfig struct {
	// Enabled controls whether the optimizer loop runs.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Algorithm selects the weight algorithm: "adaptive", "predictive",
	// or "balanced".
	// Default: "adaptive"
	Algorithm string `yaml:"algorithm"`

	// Interval is the cadence of the optimization loop.
	// Default: 30s
	Interval time.Duration `yaml:"interval"`

	// AdaptationRate is the EMA smoothing factor applied to weight changes.
	// Default: 0.3
	AdaptationRate float64 `yaml:"adaptation_rate"`

	// EmergencyAdaptationRate replaces AdaptationRate during emergency passes.
	// Default: 0.6
	EmergencyAdaptationRate float64 `yaml:"emergency_adaptation_rate"`

	// MinWeightDelta is the smallest weight change worth applying.
	// Default: 5
	MinWeightDelta int `yaml:"min_weight_delta"`

	// StatePath is the SQLite database holding traffic patterns and
	// optimization history. Resolved relative to the base directory when
	// not absolute.
	// Default: "data/optimizer.db"
	StatePath string `yaml:"state_path"`
}

// RecoveryConfig contains the proxy recovery escalator settings.
type RecoveryConfig struct {
	// MaxAttempts is the number of escalation attempts before giving up.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the initial delay between escalation attempts.
	// Default: 10s
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap bounds the delay between escalation attempts.
	// Default: 5m
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// GracePeriod is how long to wait after an action before re-probing.
	// Default: 4s
	GracePeriod time.Duration `yaml:"grace_period"`

	// FailureThreshold is the consecutive probe failures before the
	// lifecycle breaker opens and recovery starts.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging contains structured logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the output format: "json", "text", or "console".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is served.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Namespace is the Prometheus metric namespace.
	// Default: "frontdoor"
	Namespace string `yaml:"namespace"`

	// Path is the HTTP path for the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}
