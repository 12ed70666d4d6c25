package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field
	// (e.g. "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a
// configuration. All field errors are collected and returned together.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// domainPattern matches a DNS name suitable as a parent domain.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// validAlgorithms are the recognized optimizer algorithm names.
var validAlgorithms = map[string]bool{
	"adaptive":   true,
	"predictive": true,
	"balanced":   true,
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.Server.ListenAddress == "" {
		errs = append(errs, FieldError{"server.listen_address", "must not be empty"})
	} else if !strings.Contains(cfg.Server.ListenAddress, ":") {
		errs = append(errs, FieldError{"server.listen_address", "must be in host:port format"})
	}

	if !domainPattern.MatchString(cfg.Domains.App) {
		errs = append(errs, FieldError{"domains.app", fmt.Sprintf("invalid domain %q", cfg.Domains.App)})
	}
	if !domainPattern.MatchString(cfg.Domains.Mongo) {
		errs = append(errs, FieldError{"domains.mongo", fmt.Sprintf("invalid domain %q", cfg.Domains.Mongo)})
	}

	if u, err := url.Parse(cfg.Proxy.AdminURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, FieldError{"proxy.admin_url", fmt.Sprintf("invalid admin URL %q", cfg.Proxy.AdminURL)})
	}
	if cfg.Proxy.ContainerName == "" {
		errs = append(errs, FieldError{"proxy.container_name", "must not be empty"})
	}
	if cfg.Proxy.ReloadTimeout < 0 {
		errs = append(errs, FieldError{"proxy.reload_timeout", "must not be negative"})
	}

	if cfg.Certificates.LeafValidityDays <= 0 {
		errs = append(errs, FieldError{"certificates.leaf_validity_days", "must be positive"})
	}
	if cfg.Certificates.RenewBeforeDays < 0 {
		errs = append(errs, FieldError{"certificates.renew_before_days", "must not be negative"})
	}
	if cfg.Certificates.RenewBeforeDays >= cfg.Certificates.LeafValidityDays {
		errs = append(errs, FieldError{"certificates.renew_before_days",
			"must be smaller than leaf_validity_days"})
	}

	if !validAlgorithms[cfg.Optimizer.Algorithm] {
		errs = append(errs, FieldError{"optimizer.algorithm",
			fmt.Sprintf("unknown algorithm %q (valid: adaptive, predictive, balanced)", cfg.Optimizer.Algorithm)})
	}
	if cfg.Optimizer.AdaptationRate <= 0 || cfg.Optimizer.AdaptationRate > 1 {
		errs = append(errs, FieldError{"optimizer.adaptation_rate", "must be in (0, 1]"})
	}
	if cfg.Optimizer.EmergencyAdaptationRate <= 0 || cfg.Optimizer.EmergencyAdaptationRate > 1 {
		errs = append(errs, FieldError{"optimizer.emergency_adaptation_rate", "must be in (0, 1]"})
	}
	if cfg.Optimizer.MinWeightDelta < 1 {
		errs = append(errs, FieldError{"optimizer.min_weight_delta", "must be at least 1"})
	}

	if cfg.Recovery.MaxAttempts < 1 {
		errs = append(errs, FieldError{"recovery.max_attempts", "must be at least 1"})
	}
	if cfg.Recovery.BackoffBase <= 0 {
		errs = append(errs, FieldError{"recovery.backoff_base", "must be positive"})
	}
	if cfg.Recovery.BackoffCap < cfg.Recovery.BackoffBase {
		errs = append(errs, FieldError{"recovery.backoff_cap", "must be at least backoff_base"})
	}
	if cfg.Recovery.FailureThreshold < 1 {
		errs = append(errs, FieldError{"recovery.failure_threshold", "must be at least 1"})
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level",
			fmt.Sprintf("unknown level %q (valid: debug, info, warn, error)", cfg.Telemetry.Logging.Level)})
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format",
			fmt.Sprintf("unknown format %q (valid: json, text, console)", cfg.Telemetry.Logging.Format)})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
