package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

// ErrInvalidLimit is returned for a non-positive concurrency limit.
var ErrInvalidLimit = errors.New("concurrency limit must be positive")

// Governor bounds the number of in-flight fetches. Acquisition is an atomic
// check-then-increment on a buffered channel, so the count can never exceed
// the limit regardless of how many goroutines contend.
type Governor struct {
	slots     chan struct{}
	onRelease func()
}

// NewGovernor returns a Governor admitting at most limit concurrent holders.
func NewGovernor(limit int) (*Governor, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return &Governor{slots: make(chan struct{}, limit)}, nil
}

// TryAcquire takes a slot if one is free.
func (g *Governor) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		metrics.SetInFlight(len(g.slots))
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Governor) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		metrics.SetInFlight(len(g.slots))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire slot: %w", ctx.Err())
	}
}

// Release frees a slot. Releasing more than was acquired panics.
func (g *Governor) Release() {
	select {
	case <-g.slots:
	default:
		panic("dispatcher: governor release without acquire")
	}
	metrics.SetInFlight(len(g.slots))
	if g.onRelease != nil {
		g.onRelease()
	}
}

// InFlight reports the number of held slots.
func (g *Governor) InFlight() int {
	return len(g.slots)
}

// Limit reports the configured maximum.
func (g *Governor) Limit() int {
	return cap(g.slots)
}
