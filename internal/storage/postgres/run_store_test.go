package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/store"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewRunStore(mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewRunStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(nil)
	require.Error(t, err)
}

func TestRunStoreStartAndComplete(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	runID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	stop := start.Add(time.Minute)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(runID, start, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(stop, "stopped", runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(stop, "stopped", runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.UpsertRunStart(context.Background(), runID, start))
	require.NoError(t, s.CompleteRun(context.Background(), runID, stop))
	require.ErrorIs(t, s.CompleteRun(context.Background(), runID, stop), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreAddOutcomes(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	runID := uuid.New()

	require.NoError(t, s.AddOutcomes(context.Background(), runID, store.OutcomeDelta{}))

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(int64(3), int64(1), int64(2), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.AddOutcomes(context.Background(), runID, store.OutcomeDelta{Succeeded: 3, Failed: 1, Skipped: 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreUpsertSiteStats(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	runID := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(`INSERT INTO site_stats \(run_id, site, last_update, fetches, bytes_total, fetch_4xx\)`).
		WithArgs(runID, "example.com", at, int64(2), int64(512)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`fetch_other = site_stats.fetch_other`).
		WithArgs(runID, "example.com", at, int64(1), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertSiteStats(context.Background(), runID, "example.com", 2, 512, "4xx", at))
	require.NoError(t, s.UpsertSiteStats(context.Background(), runID, "example.com", 1, 0, "other", at))
	require.ErrorContains(t, s.UpsertSiteStats(context.Background(), runID, "example.com", 1, 0, "1xx", at), "unknown status class")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	runID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	stop := start.Add(time.Hour)

	mock.ExpectQuery("SELECT id, started_at, stopped_at, status").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "stopped_at", "status", "succeeded", "failed", "skipped"}).
			AddRow(runID, start, &stop, store.RunStopped, int64(10), int64(2), int64(1)))

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, store.RunStopped, run.Status)
	require.NotNil(t, run.StoppedAt)
	require.True(t, stop.Equal(*run.StoppedAt))
	require.Equal(t, int64(10), run.Succeeded)

	mock.ExpectQuery("SELECT id, started_at, stopped_at, status").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	first, second := uuid.New(), uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	columns := []string{"id", "started_at", "stopped_at", "status", "succeeded", "failed", "skipped"}

	mock.ExpectQuery("FROM crawl_runs").
		WithArgs(nil, 20, 0).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(first, start, nil, store.RunActive, int64(1), int64(0), int64(0)).
			AddRow(second, start.Add(-time.Hour), &start, store.RunStopped, int64(5), int64(1), int64(0)))

	runs, err := s.ListRuns(context.Background(), nil, 20, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Nil(t, runs[0].StoppedAt)
	require.Equal(t, second, runs[1].ID)

	active := store.RunActive
	mock.ExpectQuery("FROM crawl_runs").
		WithArgs("active", 5, 10).
		WillReturnRows(pgxmock.NewRows(columns))
	runs, err = s.ListRuns(context.Background(), &active, 5, 10)
	require.NoError(t, err)
	require.Empty(t, runs)

	mock.ExpectQuery("FROM crawl_runs").
		WithArgs(nil, 1, 0).
		WillReturnError(errors.New("boom"))
	_, err = s.ListRuns(context.Background(), nil, 1, 0)
	require.ErrorContains(t, err, "failed to list runs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRunSites(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	runID := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM site_stats").
		WithArgs(runID, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "site", "last_update", "fetches", "bytes_total",
			"fetch_2xx", "fetch_3xx", "fetch_4xx", "fetch_5xx", "fetch_other",
		}).AddRow(runID, "example.com", at, int64(4), int64(2048), int64(3), int64(0), int64(0), int64(0), int64(1)))

	sites, err := s.ListRunSites(context.Background(), runID, 50, 0)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	require.Equal(t, "example.com", sites[0].Site)
	require.Equal(t, int64(3), sites[0].Fetch2xx)
	require.Equal(t, int64(1), sites[0].FetchOther)
	require.NoError(t, mock.ExpectationsWereMet())
}
