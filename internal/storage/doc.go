// Package storage is the persistence collaborator of the task store.
//
// Every driver persists the task collection as one ordered snapshot that is
// replaced atomically on each save, plus an append-only history of reminder
// fire attempts. Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file":   JSON snapshot written via temp file + rename, JSON Lines fire log
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL via lib/pq
package storage
