package kb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// openStoreDB opens the KeywordStore's SQLite database at path and brings its
// schema up to the latest migration. WAL mode is enabled; the pool holds a
// single connection, so concurrent calls from one query's batch are
// serialized through it.
func openStoreDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open keyword store db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run keyword store migrations: %w", err)
	}
	return db, nil
}

// migration is one versioned, idempotent schema step.
type migration struct {
	version int
	name    string
	run     func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "create_migrations_table", runMigration001},
	{2, "create_entities", runMigration002},
	{3, "create_synonyms", runMigration003},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d (%s): %w", m.version, m.name, err)
		}
		if err := m.run(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// runMigration001 is a no-op placeholder; schema_migrations itself is
// created unconditionally above so the migration runner has a table to
// check before this migration is recorded.
func runMigration001(ctx context.Context, tx *sql.Tx) error {
	return nil
}

func runMigration002(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE entities (
			id             TEXT PRIMARY KEY,
			canonical_name TEXT NOT NULL,
			category       TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			detail_json    TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE INDEX idx_entities_category ON entities(category);
		CREATE INDEX idx_entities_canonical_name ON entities(canonical_name);
	`)
	return err
}

func runMigration003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE synonyms (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			synonym   TEXT NOT NULL,
			PRIMARY KEY (entity_id, synonym)
		);
		CREATE INDEX idx_synonyms_synonym ON synonyms(synonym);
	`)
	return err
}
