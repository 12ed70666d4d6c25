// Package server exposes the front door's HTTP API: agent registration,
// route management, connection testing, configuration inspection, status,
// health, and Prometheus metrics.
//
// The server is a thin RPC surface over the orchestrator; request
// validation happens at this boundary and every error is mapped from its
// taxonomy kind to an HTTP status.
package server
