package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// openSQLite opens the SQLite file with WAL and a busy timeout. A single
// writer connection sidesteps SQLITE_BUSY beyond what the timeout covers.
func openSQLite(dsn string) (*sql.DB, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
