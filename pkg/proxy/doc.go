// Package proxy integrates the sibling reverse-proxy engine: its admin API
// (stats, transactional weight updates, reload signaling), its container
// lifecycle through the Docker daemon, and the health-probe / recovery
// escalator that keeps it serving.
//
// # Recovery Escalation
//
// The lifecycle manager probes the proxy on a fixed cadence. When the probe
// breaker opens (or an external alert fires) the escalator walks the ladder
//
//	container start → reload / in-container service restart → container restart
//
// with exponential backoff between attempts and a short grace re-probe after
// each step. One recovery sequence runs at a time; concurrent triggers are
// coalesced. Exhausting the attempt budget emits MAX_ATTEMPTS_REACHED and
// disables automatic recovery until an operator re-enables it.
package proxy
