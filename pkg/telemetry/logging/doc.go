// Package logging configures the process-wide structured logger.
//
// All components log through log/slog with a "component" attribute; this
// package owns handler construction (level, format, source annotation) and
// installs the configured logger as the slog default.
package logging
