// Package storage records what timers did.
//
// It is a run journal, not schedule state: timers are always rebuilt from
// config on start. Backends:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file (build with -tags sqlite)
package storage
