// Package inventory owns the persistent host model.
//
// Ownership boundary:
// - Host rows are written by reconciliation; Version is written only by probing.
// - Master rows exist iff the matching Host has IsMaster set.
// - StatusVector values live in the status cache and the Master row, never on Host.
//
// Store implementations must enforce hostname uniqueness themselves and
// report collisions as ErrDuplicate.
package inventory
