// Package store opens the embedded sqlite databases shared by the durable
// stores (events, mail, sessions, merge queue, metrics).
//
// Every store uses the same discipline: WAL journal mode so one writer can
// proceed alongside many readers, and a 5 second busy timeout so a writer
// waits for the lock instead of failing immediately. There is no cross-store
// transaction support; each database is independent.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build
)

// BusyTimeoutMs is the maximum time a writer waits for the database lock
// before surfacing an error.
const BusyTimeoutMs = 5000

// Open opens (creating if necessary) the sqlite database at path with the
// standard Overstory pragmas applied.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", BusyTimeoutMs),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// TableExists reports whether a table is present in the schema.
func TableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// ColumnExists reports whether a column is present on a table.
// Used by the stores' open-time migrations.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, fmt.Errorf("reading table info for %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// TableSQL returns the CREATE TABLE statement recorded for a table, or ""
// if the table does not exist.
func TableSQL(db *sql.DB, name string) (string, error) {
	var ddl sql.NullString
	err := db.QueryRow(
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading schema for %s: %w", name, err)
	}
	return ddl.String, nil
}
