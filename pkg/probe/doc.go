// Package probe classifies a backend's TLS posture by speculative
// connections: TCP reachability, a synthetic MongoDB handshake, and a TLS
// handshake.
//
// The probe is idempotent and side-effect free beyond the sockets it opens.
// The orchestrator uses the classification to decide whether an agent's L4
// router enables TLS passthrough; ambiguous results default to
// TLS-required, the safer posture.
package probe
