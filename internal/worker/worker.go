package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/progress"
)

// Slots is the concurrency accounting a worker gives back while it waits to
// retry and takes again for the next attempt.
type Slots interface {
	Acquire(ctx context.Context) error
	Release()
}

// Worker drives one task from its first attempt to a terminal outcome.
type Worker struct {
	pipeline *Pipeline
	retry    *RetryScheduler
	slots    Slots
	hooks    *crawler.Hooks
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	pipeline *Pipeline,
	retry *RetryScheduler,
	slots Slots,
	hooks *crawler.Hooks,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewRetryScheduler(DefaultRetryDelay)
	}
	if hooks == nil {
		hooks = crawler.NewHooks(logger)
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	return &Worker{
		pipeline: pipeline,
		retry:    retry,
		slots:    slots,
		hooks:    hooks,
		emitter:  emitter,
		logger:   logger,
	}
}

// Execute runs task until it succeeds or exhausts its retries. The caller must
// hold one slot when calling; Execute releases it exactly once per acquisition,
// and holds no slot while waiting out a retry delay.
func (w *Worker) Execute(ctx context.Context, runID [16]byte, task crawler.Task) {
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	for {
		result := w.pipeline.Fetch(ctx, task)
		w.emitFetch(runID, task, result)

		if result.OK() {
			w.hooks.Success(ctx, result.Page)
			w.emitTask(runID, progress.StageTaskDone, task, "")
			w.slots.Release()
			return
		}

		next, ok := w.retry.Next(task)
		if !ok {
			w.fail(ctx, runID, task, result.Err)
			w.slots.Release()
			return
		}

		metrics.IncRetry()
		w.logger.Debug("scheduling retry",
			zap.String("url", task.URL),
			zap.Int("attempt", task.Attempt),
			zap.Int("retries_left", next.RetriesLeft),
			zap.Duration("delay", w.retry.Delay()),
			zap.Error(result.Err),
		)
		w.emitTask(runID, progress.StageRetry, next, result.Err.Error())
		w.slots.Release()

		if err := w.retry.Wait(ctx); err != nil {
			w.fail(ctx, runID, task, errors.Join(result.Err, err))
			return
		}
		if err := w.slots.Acquire(ctx); err != nil {
			w.fail(ctx, runID, task, errors.Join(result.Err, fmt.Errorf("reacquire slot: %w", err)))
			return
		}
		task = next
	}
}

func (w *Worker) fail(ctx context.Context, runID [16]byte, task crawler.Task, cause error) {
	metrics.IncTerminalFailure()
	w.hooks.Error(ctx, task.URL, &crawler.TaskError{URL: task.URL, Attempts: task.Attempt, Err: cause})
	w.emitTask(runID, progress.StageTaskFailed, task, cause.Error())
}

func (w *Worker) emitFetch(runID [16]byte, task crawler.Task, result crawler.FetchResult) {
	evt := progress.Event{
		RunID:       runID,
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		Proxy:       result.Page.Proxy,
		Attempt:     task.Attempt,
		RetriesLeft: task.RetriesLeft,
		Bytes:       int64(len(result.Page.Body)),
		StatusClass: progress.ClassifyStatus(result.Page.StatusCode),
		Dur:         result.Page.Duration,
	}
	if result.Err != nil {
		evt.Note = result.Err.Error()
	}
	w.emitter.Emit(evt)
}

func (w *Worker) emitTask(runID [16]byte, stage progress.Stage, task crawler.Task, note string) {
	w.emitter.Emit(progress.Event{
		RunID:       runID,
		Stage:       stage,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		Attempt:     task.Attempt,
		RetriesLeft: task.RetriesLeft,
		Note:        note,
	})
}
