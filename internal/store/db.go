package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS secrets (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT 'named',
	name        TEXT NOT NULL,
	ciphertext  TEXT NOT NULL,
	iv          TEXT NOT NULL,
	salt        TEXT NOT NULL,
	base_url    TEXT NOT NULL DEFAULT '',
	auth_mode   TEXT NOT NULL DEFAULT 'bearer',
	header_name TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE(owner_id, kind, name)
);

CREATE TABLE IF NOT EXISTS usage_records (
	id          TEXT PRIMARY KEY,
	owner_scope TEXT NOT NULL,
	endpoint    TEXT NOT NULL,
	status      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_secrets_owner ON secrets(owner_id);
CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_records(owner_scope);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
`

// DB wraps a *sql.DB with the gateway's persistence operations: the
// encrypted-secret table and the append-only usage table.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(createSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
