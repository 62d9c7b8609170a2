package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunActive  RunStatus = "active"
	RunStopped RunStatus = "stopped"
)

// Run models one Start..Stop cycle of the engine.
type Run struct {
	ID        uuid.UUID  `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Status    RunStatus  `json:"status"`
	// Succeeded, Failed and Skipped count tasks by terminal outcome.
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// SiteStats captures per-site fetch aggregation for a run.
type SiteStats struct {
	RunID      uuid.UUID `json:"run_id"`
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	// Fetches counts attempts, including failed ones.
	Fetches    int64 `json:"fetches"`
	BytesTotal int64 `json:"bytes_total"`
	Fetch2xx   int64 `json:"fetch_2xx"`
	Fetch3xx   int64 `json:"fetch_3xx"`
	Fetch4xx   int64 `json:"fetch_4xx"`
	Fetch5xx   int64 `json:"fetch_5xx"`
	FetchOther int64 `json:"fetch_other"`
}

// OutcomeDelta carries task outcome increments for a run.
type OutcomeDelta struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// IsZero reports whether the delta carries no increments.
func (d OutcomeDelta) IsZero() bool {
	return d.Succeeded == 0 && d.Failed == 0 && d.Skipped == 0
}

// RunRepository persists incremental run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run as active.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run stopped.
	CompleteRun(ctx context.Context, runID uuid.UUID, stoppedAt time.Time) error
	// AddOutcomes applies task outcome deltas to the run.
	AddOutcomes(ctx context.Context, runID uuid.UUID, delta OutcomeDelta) error
	// UpsertSiteStats applies fetch/byte deltas per (run, site, statusClass).
	UpsertSiteStats(
		ctx context.Context,
		runID uuid.UUID,
		site string,
		deltaFetches int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSites returns aggregated site stats for one run.
	ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
