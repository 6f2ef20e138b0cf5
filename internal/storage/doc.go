// Package storage persists the relay's audit trail: connection lifecycle and
// delivery outcomes, one record per event.
//
// Backends:
//   - "file": JSON Lines appended to <path>.audit.jsonl
//   - "sqlite": a SQLite database (pure Go driver, no cgo)
//
// The audit log is diagnostic only. Nothing on the delivery path reads it.
package storage
