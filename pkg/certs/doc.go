// Package certs owns the front door's private certificate authority and the
// per-agent server certificates used by the proxy for TLS termination.
//
// The Authority handles the raw x509 material: lazy CA bootstrap, leaf
// issuance, and PEM assembly. The Manager wraps the operational surface
// (issue, renew, revoke, validate, sync) in a circuit breaker with
// per-operation-class rate limits and per-agent advisory locks. The Monitor
// periodically scans the cert set and emits warning and expiry events; it
// observes but never issues.
package certs
