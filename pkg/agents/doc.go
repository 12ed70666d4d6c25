// Package agents persists agent metadata: identifier, last-known target
// address, TLS preference, and timestamps.
//
// The registry backs the renewal scan's IP recovery and the status API; the
// routing truth stays in the per-agent fragments owned by pkg/dynamic. The
// backing store is SQLite, suitable for the front door's single-instance
// deployment model.
package agents
