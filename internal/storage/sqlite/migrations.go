package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "job_queue_table", up: migrateV1},
		{version: 2, name: "deduplication_key", up: migrateV2},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	// Check if migration already applied
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the job_queue table and its query indexes
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		createJobQueueSQL,
		createDequeueIndexSQL,
		createTypeStatusIndexSQL,
		createSourceIndexSQL,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

// migrateV2 adds the deduplication_key column for enqueue-time dedup
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	// ALTER TABLE ADD COLUMN fails if the column exists; databases created
	// before versioned migrations may already carry it
	rows, err := tx.QueryContext(ctx, `PRAGMA table_info(job_queue)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasDedupKey := false
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, dfltValue, pk interface{}
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == "deduplication_key" {
			hasDedupKey = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if hasDedupKey {
		return nil
	}

	_, err = tx.ExecContext(ctx, addDeduplicationKeySQL)
	return err
}
