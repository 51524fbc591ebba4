// Package session owns transport settings for agent sessions.
//
// Ownership boundary:
// - connect/read/write/exchange timeouts
// - optional TLS client transport
// - retry backoff primitives
//
// Every agent socket operation carries a finite deadline derived from Config.
package session
