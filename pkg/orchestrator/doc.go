// Package orchestrator owns the front door's write path: agent
// registration and removal, subdomain and app routes, certificate renewal,
// and the proxy reload signal that follows every route mutation.
//
// The orchestrator is the single writer of the merged dynamic document. Per
// agent, mutations serialize on the agent's advisory lock; across agents
// they serialize on the document write semaphore, with the config store's
// atomic rename as the linearization point.
//
// A failed reload never rolls back configuration: the document on disk is
// the desired state, and the lifecycle manager's next probe drives the proxy
// back toward it.
package orchestrator
