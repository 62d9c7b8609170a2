package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// DefaultRetryDelay is the pause between a failed attempt and its retry.
const DefaultRetryDelay = time.Second

// RetryScheduler decides whether a failed task gets another attempt and
// enforces the fixed delay before it.
type RetryScheduler struct {
	delay time.Duration
}

// NewRetryScheduler builds a scheduler with the given fixed delay. Non-positive
// values select DefaultRetryDelay.
func NewRetryScheduler(delay time.Duration) *RetryScheduler {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &RetryScheduler{delay: delay}
}

// Delay returns the configured pause between attempts.
func (r *RetryScheduler) Delay() time.Duration {
	return r.delay
}

// Next returns the task for the following attempt, or false once the budget is spent.
func (r *RetryScheduler) Next(task crawler.Task) (crawler.Task, bool) {
	if task.RetriesLeft <= 0 {
		return task, false
	}
	task.RetriesLeft--
	task.Attempt++
	return task, true
}

// Wait blocks for the retry delay or until ctx is done.
func (r *RetryScheduler) Wait(ctx context.Context) error {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}
