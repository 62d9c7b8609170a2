// Package ratelimit implements a token bucket admission gate that paces
// dispatch across the whole engine.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained admissions per second; zero or less disables pacing.
	RPS   float64
	Burst int
}

// Limiter paces task admission with a single token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveAdmissionWait(waited)
	}
	return nil
}

// Admit satisfies crawler.AdmissionFunc. It suspends until a token is free
// and rejects the task only when ctx ends first.
func (l *Limiter) Admit(ctx context.Context, _ string) bool {
	return l.Wait(ctx) == nil
}
