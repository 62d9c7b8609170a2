package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	state    crawler.State
	retries  int
	proxies  []string
	startCtx context.Context
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{pending: make(map[string]struct{}), state: crawler.StateIdle}
}

func (e *fakeEngine) AddTasks(urls ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	added := 0
	for _, u := range urls {
		if _, ok := e.pending[u]; !ok {
			e.pending[u] = struct{}{}
			added++
		}
	}
	return added
}

func (e *fakeEngine) TaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *fakeEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = crawler.StateActive
	e.startCtx = ctx
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = crawler.StateStopped
}

func (e *fakeEngine) Status() crawler.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return crawler.Status{
		State:   e.state,
		Pending: len(e.pending),
		Limit:   4,
		Retries: e.retries,
		Proxies: append([]string(nil), e.proxies...),
	}
}

func (e *fakeEngine) SetProxies(proxies ...string) error {
	for _, p := range proxies {
		if err := crawler.ValidateProxy(p); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.proxies = proxies
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) SetRetries(n int) error {
	if n < 0 {
		return &crawler.ValidationError{Field: "retries", Reason: "must be >= 0"}
	}
	e.mu.Lock()
	e.retries = n
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == crawler.StateIdle {
		return ""
	}
	return "00000000-0000-0000-0000-0000000000aa"
}

type fakeRunRepo struct {
	runs       []store.Run
	sites      []store.SiteStats
	err        error
	lastStatus *store.RunStatus
	lastLimit  int
	lastOffset int
}

func (m *fakeRunRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error { return m.err }

func (m *fakeRunRepo) CompleteRun(context.Context, uuid.UUID, time.Time) error { return m.err }

func (m *fakeRunRepo) AddOutcomes(context.Context, uuid.UUID, store.OutcomeDelta) error {
	return m.err
}

func (m *fakeRunRepo) UpsertSiteStats(context.Context, uuid.UUID, string, int64, int64, string, time.Time) error {
	return m.err
}

func (m *fakeRunRepo) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	if m.err != nil {
		return store.Run{}, m.err
	}
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Run{}, store.ErrNotFound
}

func (m *fakeRunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	m.lastStatus, m.lastLimit, m.lastOffset = status, limit, offset
	return m.runs, m.err
}

func (m *fakeRunRepo) ListRunSites(_ context.Context, _ uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	m.lastLimit, m.lastOffset = limit, offset
	return m.sites, m.err
}
