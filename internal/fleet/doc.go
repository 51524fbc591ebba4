// Package fleet wires the inventory store, status cache, reconciler and
// probe orchestrator into one long-running service.
//
// Run opens the configured backends, then drives two loops: reconciliation
// of the sectors and masters documents into the store, and probing of every
// master host's agent. An optional admin endpoint serves one JSON request
// per line so external tooling can trigger runs and read results.
package fleet
