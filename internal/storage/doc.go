// Package storage persists the audit trail of operator actions (scheduled,
// cancelled and fired power actions).
//
// Drivers:
//   - "file":   append-only JSON Lines next to the configured path
//   - "sqlite": SQLite database (pure Go, modernc.org/sqlite)
package storage
