// Package transcript persists conversation history.
//
// The transcript is the only durable state in the orchestrator. Messages are
// appended, never edited or reordered; ordering comes from an autoincrement
// sequence column rather than timestamps.
//
// SQLiteStore supports two drivers, selected by name:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// Use NewSQLiteStore(":memory:", "") for integration tests and NewMockStore
// for unit tests.
package transcript
