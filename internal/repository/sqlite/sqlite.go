// Package sqlite implements repository.UserRepository on SQLite.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the Go binary as a single
// file. No separate server to run, which makes it the default store for
// single-instance deployments and for tests (":memory:"). Multi-instance
// deployments switch to internal/repository/postgres with DB_DRIVER=postgres.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which needs a C compiler and makes
// cross-compilation painful. modernc.org/sqlite is a pure Go translation.
//
// UNIQUENESS WITHOUT RACES:
// The users table has UNIQUE indexes on email and federated_id. We never do
// "SELECT then INSERT" to enforce them; the INSERT itself fails with a
// constraint error that we translate to apperror.Conflict. SQLite treats
// NULLs as distinct in UNIQUE indexes, so accounts without a Google id
// (federated_id IS NULL) never collide with each other. The index is sparse.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/authcore.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// An in-memory database exists per connection: a second pooled
	// connection would see an empty schema. One connection also serialises
	// writers, which is what SQLite does internally anyway.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL mode allows concurrent reads while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Wait for a competing writer instead of failing with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable (used by /healthz).
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
//
// The CHECK constraint is the last line of defence for the invariant that
// every user has at least one sign-in method; model.NewAccount enforces the
// same rule in Go.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password_hash TEXT,
			federated_id  TEXT UNIQUE,
			picture_url   TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user', 'guest')),
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (password_hash IS NOT NULL OR federated_id IS NOT NULL)
		);
		CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	return nil
}
