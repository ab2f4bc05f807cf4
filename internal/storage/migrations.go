package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const latestVersion = 1

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestVersion; v++ {
		if err := d.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (d *DB) apply(ctx context.Context, version int) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  resource TEXT PRIMARY KEY,
  locked_by TEXT,
  locked_at_ms INTEGER,
  last_lock_date_ms INTEGER,
  expiry_date_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_locked_by ON %[1]s(locked_by);
CREATE INDEX IF NOT EXISTS idx_%[1]s_expiry ON %[1]s(expiry_date_ms);

CREATE TABLE IF NOT EXISTS %[2]s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  resource TEXT NOT NULL,
  requester TEXT NOT NULL,
  expiry_time_ms INTEGER,
  keep_alive INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER,
  created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_resource_created ON %[2]s(resource, created_at_ms, id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_timeout ON %[2]s(timeout_ms);
`, d.schema.LocksTable, d.schema.RequestsTable)); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
