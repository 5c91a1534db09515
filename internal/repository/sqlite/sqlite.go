// Package sqlite implements repository.Store on SQLite with hand-written SQL.
//
// WHY SQLITE?
// SQLite is embedded: the whole database is one file next to the binary, or
// nothing at all with ":memory:". No server to run, which suits a single-node
// wellness backend and makes tests fast.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 needs CGo and a C compiler. modernc.org/sqlite is a pure Go
// translation of SQLite, so cross-compiling stays trivial.
//
// WHY sqlx ON TOP OF database/sql?
// sqlx keeps the same sql.DB pool and the same SQL strings, but scans rows
// straight into structs by their `db` tags (Get/Select) and gives Beginx a
// transaction with the same helpers. No ORM, no generated SQL.
package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	// The package's init() registers a database/sql driver named "sqlite".
	// After this import, sqlx.Open("sqlite", ...) knows how to talk to SQLite.
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/calmora/internal/repository"
)

func init() {
	// sqlx only knows "sqlite3" as a '?'-placeholder driver by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// compile-time check that *DB implements repository.Store
var _ repository.Store = (*DB)(nil)

// DB wraps a sqlx.DB connection pool and provides repository methods.
type DB struct {
	conn *sqlx.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/calmora.db" → file-based database (persistent)
//   - ":memory:"        → in-memory database (tests, lost on close)
//
// ONE CONNECTION:
// The pool is capped at a single connection. Every ":memory:" connection is
// its own empty database, so a second connection would not see the schema.
// It also makes SQLite's single-writer rule explicit: a transaction holds the
// only connection, so read-modify-write cycles never interleave.
func New(dbPath string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	// Ping forces a real connection so a bad path fails here, not on the
	// first request.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers in other processes (e.g. the sqlite3 CLI) see the
	// file while the server writes. In-memory databases ignore it.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite. user_documents.user_id
	// references users.id, and a write for an unknown user must fail.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
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

// migrate creates the schema. CREATE ... IF NOT EXISTS makes it safe to run
// on every start.
//
// (user_id, category) is the primary key of user_documents, which is what
// guarantees at most one document per user and category.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			profile_data  TEXT NOT NULL DEFAULT '{}',
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS user_documents (
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			category   TEXT NOT NULL CHECK (length(category) BETWEEN 1 AND 50),
			data       TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, category)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating user_documents table: %w", err)
	}

	return nil
}

// constraintCode returns SQLite's extended result code when err is a driver
// error. modernc.org/sqlite turns extended codes on for every connection,
// so a UNIQUE failure is 2067, not the generic 19.
func constraintCode(err error) (int, bool) {
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code(), true
}

// uniqueViolation reports which column of users a UNIQUE constraint failure
// refers to. The code says it is a UNIQUE failure; only the message names the
// column ("UNIQUE constraint failed: users.email").
func uniqueViolation(err error) (field string, ok bool) {
	code, ok := constraintCode(err)
	if !ok || code != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return "", false
	}
	if strings.Contains(err.Error(), "users.email") {
		return "email", true
	}
	return "username", true
}

func foreignKeyViolation(err error) bool {
	code, ok := constraintCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
