// Package dynamic owns the proxy's dynamic configuration: per-agent route
// fragments and the merged document the proxy consumes.
//
// # Persistence Model
//
// Each agent owns one fragment file under the agents directory. The merged
// document is the global scaffolding (entry middleware, the MongoDB catchall
// router) plus the union of all fragments, rebuilt on every mutation and
// written with a crash-safe atomic replace: serialize to a temporary sibling,
// re-parse the serialized bytes, rename over the target. Readers never
// observe a partial document.
//
// # Namespacing
//
// Router, service, and middleware names embed the owning agent's identifier,
// so fragments from different agents cannot collide in the merged document.
// Within the merge, keys collide last-writer-wins; only scaffolding keys are
// shared, and those are synthesized deterministically.
//
// # Repair
//
// A fragment or document that fails to parse is quarantined to
// <path>.corrupted.<timestamp> and regenerated from the default shape.
// Repair never deletes the original bytes.
package dynamic
