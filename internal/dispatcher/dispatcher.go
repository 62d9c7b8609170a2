// Package dispatcher owns the crawl engine lifecycle: it pumps pending URLs
// through the admission gate and the concurrency governor into workers.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/progress"
	"github.com/JakeFAU/crawl-engine/internal/queue/memory"
	"github.com/JakeFAU/crawl-engine/internal/worker"
)

// DefaultIdleInterval is how long the pump rests after observing an empty
// queue before it checks again and re-fires the drained hook.
const DefaultIdleInterval = time.Second

// Config controls Dispatcher behavior.
type Config struct {
	// Concurrency is the in-flight limit; zero selects 1.
	Concurrency int
	// Retries is the per-task retry budget applied at first dispatch.
	Retries int
	// RetryDelay is the fixed pause before a retry; zero selects worker.DefaultRetryDelay.
	RetryDelay time.Duration
	// IdleInterval bounds how long the pump waits while drained; zero selects DefaultIdleInterval.
	IdleInterval time.Duration
	// Proxies seeds the proxy pool.
	Proxies []string
	// Headers are sent with every fetch.
	Headers http.Header
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithQueue replaces the in-memory pending queue.
func WithQueue(q crawler.Queue) Option {
	return func(d *Dispatcher) {
		if q != nil {
			d.queue = q
		}
	}
}

// WithEmitter routes progress events to emitter.
func WithEmitter(emitter progress.Emitter) Option {
	return func(d *Dispatcher) {
		if emitter != nil {
			d.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher is the crawl engine. The zero value is not usable; call New.
type Dispatcher struct {
	queue   crawler.Queue
	gov     *Governor
	worker  *worker.Worker
	proxies *crawler.ProxyPool
	hooks   *crawler.Hooks
	emitter progress.Emitter
	logger  *zap.Logger

	idleInterval time.Duration
	retries      atomic.Int64

	wake chan struct{}

	// lifecycleMu serializes Start and Stop; mu guards the fields below it.
	lifecycleMu sync.Mutex
	mu          sync.Mutex
	state       crawler.State
	runID       [16]byte
	startedAt   time.Time
	cancelRun   context.CancelFunc
	pumpDone    chan struct{}

	tasksMu     sync.Mutex
	outstanding int
	idle        chan struct{}
}

// New constructs an idle Dispatcher fetching through transport.
func New(cfg Config, transport crawler.Transport, opts ...Option) (*Dispatcher, error) {
	if transport == nil {
		return nil, &crawler.ValidationError{Field: "transport", Reason: "is required"}
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retries < 0 {
		return nil, &crawler.ValidationError{Field: "retries", Reason: "must be >= 0"}
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	gov, err := NewGovernor(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	proxies, err := crawler.NewProxyPool(cfg.Proxies...)
	if err != nil {
		return nil, fmt.Errorf("proxy pool: %w", err)
	}

	idle := make(chan struct{})
	close(idle)
	d := &Dispatcher{
		queue:        memory.NewQueue(),
		gov:          gov,
		proxies:      proxies,
		emitter:      progress.Nop{},
		logger:       zap.NewNop(),
		idleInterval: cfg.IdleInterval,
		wake:         make(chan struct{}, 1),
		state:        crawler.StateIdle,
		idle:         idle,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retries.Store(int64(cfg.Retries))
	d.hooks = crawler.NewHooks(d.logger)
	gov.onRelease = d.notify

	pipeline := worker.NewPipeline(transport, proxies, cfg.Headers, d.logger)
	d.worker = worker.New(pipeline, worker.NewRetryScheduler(cfg.RetryDelay), gov, d.hooks, d.emitter, d.logger)
	return d, nil
}

// AddTask enqueues url unless it is already pending. While active, the pump
// is woken immediately. Any string is accepted.
func (d *Dispatcher) AddTask(url string) bool {
	added := d.queue.Enqueue(url)
	metrics.SetPending(d.queue.Len())
	if added && d.State() == crawler.StateActive {
		d.notify()
	}
	return added
}

// AddTasks enqueues every url and reports how many were new.
func (d *Dispatcher) AddTasks(urls ...string) int {
	added := 0
	for _, url := range urls {
		if d.AddTask(url) {
			added++
		}
	}
	return added
}

// TaskCount returns the number of pending URLs, excluding in-flight ones.
func (d *Dispatcher) TaskCount() int {
	return d.queue.Len()
}

// SetProxies replaces the proxy pool. An empty call selects direct connections.
func (d *Dispatcher) SetProxies(proxies ...string) error {
	if err := d.proxies.Set(proxies...); err != nil {
		return fmt.Errorf("set proxies: %w", err)
	}
	return nil
}

// SetRetries sets the retry budget for tasks dispatched from now on.
func (d *Dispatcher) SetRetries(n int) error {
	if n < 0 {
		return &crawler.ValidationError{Field: "retries", Reason: "must be >= 0"}
	}
	d.retries.Store(int64(n))
	return nil
}

// OnSuccess registers the success hook, replacing any previous one.
func (d *Dispatcher) OnSuccess(fn crawler.SuccessFunc) { d.hooks.SetSuccess(fn) }

// OnError registers the terminal failure hook, replacing any previous one.
func (d *Dispatcher) OnError(fn crawler.ErrorFunc) { d.hooks.SetError(fn) }

// OnDrained registers the drained hook, replacing any previous one. The hook
// runs on the pump goroutine, so it must not call Start.
func (d *Dispatcher) OnDrained(fn crawler.DrainedFunc) { d.hooks.SetDrained(fn) }

// BeforeRequest registers the admission gate, replacing any previous one.
func (d *Dispatcher) BeforeRequest(fn crawler.AdmissionFunc) { d.hooks.SetBeforeRequest(fn) }

// State reports the lifecycle state.
func (d *Dispatcher) State() crawler.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RunID returns the identifier of the current or most recent run, or "".
func (d *Dispatcher) RunID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runID == [16]byte{} {
		return ""
	}
	return uuid.UUID(d.runID).String()
}

// Status returns a point-in-time snapshot.
func (d *Dispatcher) Status() crawler.Status {
	return crawler.Status{
		State:    d.State(),
		Pending:  d.queue.Len(),
		InFlight: d.gov.InFlight(),
		Limit:    d.gov.Limit(),
		Retries:  int(d.retries.Load()),
		Proxies:  redactAll(d.proxies.List()),
	}
}

// Start begins dispatching. Calling Start while active is a no-op, and at most
// one pump runs at any time. Fetches use ctx, so Stop does not cancel them;
// cancelling ctx aborts in-flight work and ends the run.
func (d *Dispatcher) Start(ctx context.Context) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.mu.Lock()
	if d.state == crawler.StateActive {
		d.mu.Unlock()
		return
	}
	prev := d.pumpDone
	d.mu.Unlock()
	if prev != nil {
		<-prev
	}

	runCtx, cancel := context.WithCancel(ctx)
	runID := progress.UUIDToBytes(uuid.New())
	done := make(chan struct{})

	d.mu.Lock()
	d.state = crawler.StateActive
	d.runID = runID
	d.startedAt = time.Now()
	d.cancelRun = cancel
	d.pumpDone = done
	d.mu.Unlock()

	d.logger.Info("engine started",
		zap.String("run_id", uuid.UUID(runID).String()),
		zap.Int("concurrency", d.gov.Limit()),
		zap.Int("pending", d.queue.Len()),
	)
	d.emitter.Emit(progress.Event{RunID: runID, Stage: progress.StageRunStart})
	go d.pump(ctx, runCtx, runID, done)
}

// Stop halts new dispatch. In-flight fetches and their pending retries run to
// completion and still fire their hooks.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.mu.Lock()
	wasActive := d.state == crawler.StateActive
	d.state = crawler.StateStopped
	cancel := d.cancelRun
	runID := d.runID
	startedAt := d.startedAt
	d.cancelRun = nil
	d.mu.Unlock()

	if !wasActive {
		return
	}
	if cancel != nil {
		cancel()
	}
	d.logger.Info("engine stopped",
		zap.String("run_id", uuid.UUID(runID).String()),
		zap.Int("pending", d.queue.Len()),
		zap.Int("in_flight", d.gov.InFlight()),
	)
	d.emitter.Emit(progress.Event{RunID: runID, Stage: progress.StageRunStop, Dur: time.Since(startedAt)})
}

// Wait blocks until no dispatched task is in flight or waiting to retry.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.tasksMu.Lock()
	idle := d.idle
	d.tasksMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}

func (d *Dispatcher) pump(taskCtx, runCtx context.Context, runID [16]byte, done chan struct{}) {
	defer close(done)
	defer d.abandonRun(taskCtx, done)

	for runCtx.Err() == nil {
		if d.gov.InFlight() >= d.gov.Limit() {
			if !d.sleep(runCtx, 0) {
				return
			}
			continue
		}

		url, ok := d.queue.Dequeue()
		if !ok {
			metrics.SetPending(0)
			metrics.IncDrained()
			d.emitter.Emit(progress.Event{RunID: runID, Stage: progress.StageDrained})
			d.hooks.Drained(runCtx)
			if !d.sleep(runCtx, d.idleInterval) {
				return
			}
			continue
		}
		metrics.SetPending(d.queue.Len())

		admitted := d.hooks.Admit(runCtx, url)
		if runCtx.Err() != nil {
			d.queue.Requeue(url)
			return
		}
		if !admitted {
			d.skip(runID, url)
			continue
		}

		if !d.gov.TryAcquire() {
			// a retry took the free slot while the gate ran
			d.logger.Debug("admitted task waiting for slot", zap.String("url", url))
			if err := d.gov.Acquire(runCtx); err != nil {
				d.queue.Requeue(url)
				return
			}
		}
		if runCtx.Err() != nil || !d.dispatch(taskCtx, runID, url) {
			d.queue.Requeue(url)
			d.gov.Release()
			return
		}
	}
}

// dispatch hands url to a worker unless the run has been stopped. The state
// check and task registration share d.mu with Stop, so once Stop returns no
// further task is dispatched.
func (d *Dispatcher) dispatch(ctx context.Context, runID [16]byte, url string) bool {
	d.mu.Lock()
	if d.state != crawler.StateActive || d.runID != runID {
		d.mu.Unlock()
		return false
	}
	task := crawler.Task{URL: url, RetriesLeft: int(d.retries.Load()), Attempt: 1}
	d.beginTask()
	d.mu.Unlock()

	d.emitter.Emit(progress.Event{
		RunID:       runID,
		Stage:       progress.StageDispatch,
		Site:        metrics.SanitizeSite(url),
		URL:         url,
		Attempt:     1,
		RetriesLeft: task.RetriesLeft,
	})
	go func() {
		defer d.endTask()
		d.worker.Execute(ctx, runID, task)
	}()
	return true
}

func (d *Dispatcher) skip(runID [16]byte, url string) {
	metrics.IncAdmissionSkip()
	d.logger.Debug("task skipped", zap.String("url", url), zap.Error(crawler.ErrAdmissionSkipped))
	d.emitter.Emit(progress.Event{
		RunID: runID,
		Stage: progress.StageSkipped,
		Site:  metrics.SanitizeSite(url),
		URL:   url,
		Note:  crawler.ErrAdmissionSkipped.Error(),
	})
}

// sleep waits for a wake signal, ctx, or the timeout when positive. It
// reports false once ctx is done.
func (d *Dispatcher) sleep(ctx context.Context, timeout time.Duration) bool {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-d.wake:
		return true
	case <-timerC:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// abandonRun marks the engine stopped when the Start context ends the run.
func (d *Dispatcher) abandonRun(ctx context.Context, done chan struct{}) {
	if ctx.Err() == nil {
		return
	}
	d.mu.Lock()
	if d.state != crawler.StateActive || d.pumpDone != done {
		d.mu.Unlock()
		return
	}
	d.state = crawler.StateStopped
	d.cancelRun = nil
	runID, startedAt := d.runID, d.startedAt
	d.mu.Unlock()

	d.logger.Warn("engine run ended by context", zap.Error(ctx.Err()))
	d.emitter.Emit(progress.Event{RunID: runID, Stage: progress.StageRunStop, Dur: time.Since(startedAt)})
}

func (d *Dispatcher) beginTask() {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	if d.outstanding == 0 {
		d.idle = make(chan struct{})
	}
	d.outstanding++
}

func (d *Dispatcher) endTask() {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	d.outstanding--
	if d.outstanding == 0 {
		close(d.idle)
	}
}

func redactAll(proxies []string) []string {
	out := make([]string, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, crawler.RedactProxy(p))
	}
	return out
}
