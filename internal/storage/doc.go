// Package storage persists engine snapshots and the dispatch outcome log.
//
// Drivers:
//   - "file": a JSON snapshot replaced atomically plus an append-only JSON Lines
//     outcome log, on any afero filesystem
//   - "sqlite": a single SQLite database file, left out by -tags nosqlite
package storage
