// Package reconcile merges the sectors and masters documents into the
// inventory store.
//
// A run builds a target set keyed by hostname, then walks it in hostname
// order: absent hosts are inserted, present hosts are updated only when
// address, master flag or sector membership differ, and Master rows follow
// the host's master flag. Hosts that no document mentions are left alone,
// and the probed version is never written here.
package reconcile
