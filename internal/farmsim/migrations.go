package farmsim

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the farm tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		name           TEXT NOT NULL,
		label          TEXT NOT NULL DEFAULT '',
		batch_name     TEXT NOT NULL DEFAULT '',
		pool           TEXT NOT NULL DEFAULT '',
		priority       INTEGER NOT NULL DEFAULT 0,
		first_frame    INTEGER NOT NULL,
		last_frame     INTEGER NOT NULL,
		credential     TEXT NOT NULL,
		env            TEXT NOT NULL DEFAULT '[]',
		extra          TEXT NOT NULL DEFAULT '[]',
		state          TEXT NOT NULL DEFAULT 'active',
		created_at     TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_correlation_id ON jobs(correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_batch_name ON jobs(batch_name)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,

	`CREATE TABLE IF NOT EXISTS frames (
		job_id INTEGER NOT NULL REFERENCES jobs(id),
		frame  INTEGER NOT NULL,
		state  TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (job_id, frame)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_frames_job_state ON frames(job_id, state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
}{
	{
		table:    "jobs",
		column:   "kind",
		alterSQL: "ALTER TABLE jobs ADD COLUMN kind TEXT NOT NULL DEFAULT 'regular'",
	},
	{
		table:    "jobs",
		column:   "chunk_size",
		alterSQL: "ALTER TABLE jobs ADD COLUMN chunk_size INTEGER NOT NULL DEFAULT 1",
	},
	{
		table:    "jobs",
		column:   "aborted_at",
		alterSQL: "ALTER TABLE jobs ADD COLUMN aborted_at TEXT",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
