// Package locking provides advisory inter-process file locks with stale-lock
// reclamation.
//
// A lock is materialized as an exclusively-created file containing the
// holder's process ID. Acquisition polls at ~100ms cadence until the
// exclusive create succeeds or the caller's timeout elapses. Lock files older
// than the stale threshold are reclaimed, which bounds the damage of a
// crashed holder to one threshold window.
//
// Locks are advisory: they serialize the front door's own writers (fragment
// updates, certificate material) and do not protect against foreign
// processes that ignore the protocol.
package locking
