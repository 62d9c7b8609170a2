package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes how the Hub buffers engine events before handing them to sinks.
type Config struct {
	// BufferSize bounds the events waiting for delivery (default 4096).
	BufferSize int
	// MaxBatchEvents delivers a batch once it holds this many events (default 1000).
	MaxBatchEvents int
	// FlushInterval delivers whatever is pending on every tick (default 500ms).
	FlushInterval time.Duration
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration
	// BaseContext parents every sink call.
	BaseContext context.Context
	// Logger receives delivery warnings.
	Logger *zap.Logger
	// OnDrop is told how many events were lost to backpressure.
	OnDrop func(n int)
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultFlushInterval  = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Stats counts events as they move through the Hub.
type Stats struct {
	Accepted  int64
	Dropped   int64
	Delivered int64
}

// Hub buffers engine events off the fetch path and delivers them to sinks in
// emission order. Run boundaries (RUN_START, RUN_STOP) are delivered
// immediately so run rows open and close without waiting for the next tick.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropWarn  rate.Sometimes
	accepted  atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	closing   atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := newHub(cfg, sinks)
	go h.loop()
	return h
}

func newHub(cfg Config, sinks []Sink) *Hub {
	return &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		events:   make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
}

// Emit hands evt to the Hub without blocking. Missing timestamps are stamped
// here; invalid events are discarded and events that do not fit the buffer
// are dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		total := h.dropped.Add(1)
		if h.cfg.OnDrop != nil {
			h.cfg.OnDrop(1)
		}
		h.dropWarn.Do(func() {
			h.logger.Warn("progress buffer full, dropping events",
				zap.String("stage", string(evt.Stage)),
				zap.Int64("dropped_total", total),
			)
		})
	}
}

// Stats returns a snapshot of the Hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted:  h.accepted.Load(),
		Dropped:   h.dropped.Load(),
		Delivered: h.delivered.Load(),
	}
}

// Close stops accepting events, delivers everything buffered, closes the sinks
// and waits for the delivery goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents || isRunBoundary(evt.Stage) {
				pending = h.deliver(pending)
			}
		case <-ticker.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.drain(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			h.deliver(pending)
			return
		}
	}
}

// deliver hands a copy of pending to every sink and returns pending emptied.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := append([]Event(nil), pending...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
	h.delivered.Add(int64(len(batch)))
	return pending[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func isRunBoundary(stage Stage) bool {
	return stage == StageRunStart || stage == StageRunStop
}
