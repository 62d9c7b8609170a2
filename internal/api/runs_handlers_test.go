package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/store"
)

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

func TestRunHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{runs: []store.Run{{
		ID:        uuid.New(),
		Status:    store.RunStopped,
		StartedAt: time.Now().Add(-time.Hour),
		Succeeded: 7,
	}}}
	handler := NewRunHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=stopped&limit=10&offset=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["runs"], 1)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunStopped, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
	require.Equal(t, 5, repo.lastOffset)
}

func TestRunHandlerListRunsClampsAndValidates(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	handler := NewRunHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, repo.lastLimit)
	require.Nil(t, repo.lastStatus)
	require.Equal(t, []any{}, decode(t, rec)["runs"])

	for _, target := range []string{"/v1/runs?status=bogus", "/v1/runs?limit=0", "/v1/runs?offset=-1"} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	repo.err = errors.New("db down")
	rec = httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunHandlerGetRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	handler := NewRunHandler(&fakeRunRepo{runs: []store.Run{{ID: runID, Status: store.RunActive}}}, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil), runID.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode(t, rec)["run"].(map[string]any)
	require.Equal(t, runID.String(), run["id"])
	require.Equal(t, "active", run["status"])

	other := uuid.New().String()
	rec = httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+other, nil), other))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil), "nope"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlerListRunSitesInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(&fakeRunRepo{}, zap.NewNop())
	runID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/sites?limit=-1", nil)
	rec := httptest.NewRecorder()

	handler.ListRunSites(rec, withRunIDParam(req, runID.String()))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunRoutesThroughServer(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeRunRepo{
		runs:  []store.Run{{ID: runID, Status: store.RunActive}},
		sites: []store.SiteStats{{RunID: runID, Site: "example.com", Fetches: 3, Fetch2xx: 3}},
	}
	s := newTestServer(newFakeEngine(), Options{Runs: repo})

	rec := do(t, s, http.MethodGet, "/v1/runs/"+runID.String()+"/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sites := decode(t, rec)["sites"].([]any)
	require.Len(t, sites, 1)
	require.Equal(t, "example.com", sites[0].(map[string]any)["site"])
	require.Equal(t, defaultSitesLimit, repo.lastLimit)

	rec = do(t, s, http.MethodGet, "/v1/runs/"+runID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunHandlerWithoutRepository(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeEngine(), Options{})
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
}
