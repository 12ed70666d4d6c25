// Package errdefs defines the error taxonomy shared by all front door
// components.
//
// Every surfaced error carries a stable Kind tag, a human-readable message,
// and optionally the underlying cause chain. Callers branch on kinds with
// errdefs.KindOf or errors.Is against the exported sentinel errors; they
// never parse message text.
//
// Kinds split into three recovery classes:
//
//   - transient kinds (LOCK_TIMEOUT, CONFIG_IO, CERT_IO, PROXY_UNHEALTHY,
//     TIMEOUT) are retried locally by pkg/resilience
//   - admission kinds (CIRCUIT_OPEN, RATE_LIMITED) fast-fail and must not be
//     retried from within the guarded call path
//   - terminal kinds (VALIDATION, MAX_ATTEMPTS_REACHED, ENV_UNUSABLE) are
//     surfaced to the caller unchanged
package errdefs
