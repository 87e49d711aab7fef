// Package archive persists window-aggregation snapshots and completed or
// stopped replay-session summaries for offline inspection. It sits
// outside the bus's hot path entirely: nothing here is consulted by
// Publish, Tick, or any subscriber delivery, so it never becomes a
// durable on-disk queue; it is only optional archival of already-computed
// summaries.
package archive

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const currentVersion = 1

// DB wraps a SQLite database connection for archived snapshots.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	} else {
		dsn = ":memory:"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging archive database: %w", err)
	}

	store := &DB{db: sqlDB}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running archive migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := d.migrateV1(); err != nil {
			return err
		}
	}

	if _, err := d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	return nil
}

func (d *DB) migrateV1() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS window_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_id TEXT NOT NULL,
			taken_at REAL NOT NULL,
			count INTEGER NOT NULL,
			avg_processing_time REAL NOT NULL,
			event_rate REAL NOT NULL,
			unique_events INTEGER NOT NULL,
			error_rate REAL NOT NULL,
			priority_distribution TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_snapshots_window_taken ON window_snapshots(window_id, taken_at)`,
		`CREATE TABLE IF NOT EXISTS replay_session_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			subscription_id TEXT NOT NULL,
			final_state TEXT NOT NULL,
			total_events INTEGER NOT NULL,
			delivered_events INTEGER NOT NULL,
			finished_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_summaries_finished ON replay_session_summaries(finished_at)`,
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}
	return tx.Commit()
}
