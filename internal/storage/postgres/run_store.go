package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-engine/internal/progress"
	"github.com/JakeFAU/crawl-engine/internal/store"
)

// statusColumns maps a status class to its site_stats counter column.
var statusColumns = map[progress.StatusClass]string{
	progress.Status2xx:   "fetch_2xx",
	progress.Status3xx:   "fetch_3xx",
	progress.Status4xx:   "fetch_4xx",
	progress.Status5xx:   "fetch_5xx",
	progress.StatusOther: "fetch_other",
}

// RunStore implements store.RunRepository on the crawl_runs and site_stats tables.
type RunStore struct {
	pool Pool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore creates a new RunStore.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// UpsertRunStart inserts the run as active, or re-activates a stopped run.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, stopped_at = NULL;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, string(store.RunActive)); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run stopped.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, stoppedAt time.Time) error {
	query := `
		UPDATE crawl_runs
		SET stopped_at = $1, status = $2
		WHERE id = $3;
	`
	tag, err := s.pool.Exec(ctx, query, stoppedAt, string(store.RunStopped), runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddOutcomes applies task outcome deltas to a run.
func (s *RunStore) AddOutcomes(ctx context.Context, runID uuid.UUID, delta store.OutcomeDelta) error {
	if delta.IsZero() {
		return nil
	}
	query := `
		UPDATE crawl_runs
		SET succeeded = succeeded + $1, failed = failed + $2, skipped = skipped + $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, delta.Succeeded, delta.Failed, delta.Skipped, runID)
	if err != nil {
		return fmt.Errorf("failed to add run outcomes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertSiteStats adds fetch and byte deltas for one site within a run.
func (s *RunStore) UpsertSiteStats(
	ctx context.Context,
	runID uuid.UUID,
	site string,
	deltaFetches,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	column, ok := statusColumns[progress.StatusClass(statusClass)]
	if !ok {
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	query := fmt.Sprintf(`
		INSERT INTO site_stats (run_id, site, last_update, fetches, bytes_total, %[1]s)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (run_id, site) DO UPDATE
		SET fetches = site_stats.fetches + EXCLUDED.fetches,
			bytes_total = site_stats.bytes_total + EXCLUDED.bytes_total,
			%[1]s = site_stats.%[1]s + EXCLUDED.%[1]s,
			last_update = GREATEST(site_stats.last_update, EXCLUDED.last_update);
	`, column)
	if _, err := s.pool.Exec(ctx, query, runID, site, at, deltaFetches, deltaBytes); err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, stopped_at, status, succeeded, failed, skipped
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.StoppedAt,
		&run.Status,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, stopped_at, status, succeeded, failed, skipped
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		var run store.Run
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.StoppedAt,
			&run.Status,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSites retrieves aggregated site statistics for a run.
func (s *RunStore) ListRunSites(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SiteStats, error) {
	query := `
		SELECT run_id, site, last_update, fetches, bytes_total,
			fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_other
		FROM site_stats
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		var stat store.SiteStats
		err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Fetches,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
			&stat.FetchOther,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate site stats: %w", err)
	}
	return stats, nil
}
