// Package metrics registers and exposes the front door's Prometheus
// metrics: route counts, reload outcomes, certificate expiry, breaker
// states, optimizer activity, and recovery attempts.
package metrics
