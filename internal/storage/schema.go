package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Bootstrap creates tables and indexes if missing. The DDL is shared between
// dialects except for the surrogate key type.
func Bootstrap(ctx context.Context, db *sqlx.DB) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.DriverName() == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
  id          {{serial}},
  name        TEXT NOT NULL,
  language    TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS project_links (
  id          {{serial}},
  project_id  BIGINT NOT NULL,
  url         TEXT NOT NULL,
  anchor      TEXT,
  language    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS networks (
  slug              TEXT PRIMARY KEY,
  title             TEXT,
  invocation_target TEXT NOT NULL,
  handler_kind      TEXT NOT NULL DEFAULT 'node',
  priority          INTEGER NOT NULL DEFAULT 0,
  enabled           INTEGER NOT NULL DEFAULT 1,
  meta              TEXT
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id                   {{serial}},
  uuid                 TEXT,
  project_id           BIGINT NOT NULL,
  target_url           TEXT NOT NULL,
  anchor               TEXT,
  network              TEXT,
  status               TEXT NOT NULL,
  attempts             INTEGER NOT NULL DEFAULT 0,
  scheduled_at         TEXT NOT NULL,
  created_at           TEXT NOT NULL,
  started_at           TEXT,
  finished_at          TEXT,
  cancel_requested     INTEGER NOT NULL DEFAULT 0,
  pid                  INTEGER,
  error                TEXT,
  error_detail         TEXT,
  log_file             TEXT,
  published_url        TEXT,
  verification_status  TEXT,
  verification_details TEXT,
  job_payload          TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_queue (
  job_id      BIGINT PRIMARY KEY,
  job_uuid    TEXT,
  project_id  BIGINT NOT NULL,
  network     TEXT,
  status      TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS settings (
  key    TEXT PRIMARY KEY,
  value  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS jobs_status_scheduled_idx ON jobs(status, scheduled_at, id);`,
		`CREATE INDEX IF NOT EXISTS jobs_project_status_idx ON jobs(project_id, status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_uuid_idx ON jobs(uuid);`,
		`CREATE INDEX IF NOT EXISTS project_links_project_idx ON project_links(project_id);`,
	}

	for _, stmt := range stmts {
		stmt = strings.ReplaceAll(stmt, "{{serial}}", serial)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
