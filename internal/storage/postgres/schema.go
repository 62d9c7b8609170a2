package postgres

import (
	"context"
	"fmt"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id         UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	stopped_at TIMESTAMPTZ,
	status     TEXT NOT NULL,
	succeeded  BIGINT NOT NULL DEFAULT 0,
	failed     BIGINT NOT NULL DEFAULT 0,
	skipped    BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS site_stats (
	run_id      UUID NOT NULL REFERENCES crawl_runs (id) ON DELETE CASCADE,
	site        TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	fetches     BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	fetch_2xx   BIGINT NOT NULL DEFAULT 0,
	fetch_3xx   BIGINT NOT NULL DEFAULT 0,
	fetch_4xx   BIGINT NOT NULL DEFAULT 0,
	fetch_5xx   BIGINT NOT NULL DEFAULT 0,
	fetch_other BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);`

const fetchSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	url          TEXT NOT NULL,
	final_url    TEXT,
	succeeded    BOOLEAN NOT NULL,
	status_code  INTEGER,
	attempts     INTEGER NOT NULL,
	proxy        TEXT,
	content_hash TEXT,
	blob_uri     TEXT,
	headers      JSONB NOT NULL DEFAULT '{}',
	error_text   TEXT,
	duration_ms  BIGINT NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_run_idx ON %[1]s (run_id);`

// EnsureSchema creates the run, site and fetch tables when missing.
func EnsureSchema(ctx context.Context, pool Pool, fetchTable string) error {
	table, err := checkTable(fetchTable, defaultFetchTable)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, runSchema); err != nil {
		return fmt.Errorf("create run tables: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(fetchSchema, table)); err != nil {
		return fmt.Errorf("create fetch table: %w", err)
	}
	return nil
}
