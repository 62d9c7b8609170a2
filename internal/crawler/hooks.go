package crawler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// SuccessFunc receives every task that ultimately succeeds. It is the handoff
// point for parsing and persistence.
type SuccessFunc func(ctx context.Context, page Page)

// ErrorFunc receives every task that exhausts its retry budget.
type ErrorFunc func(ctx context.Context, url string, err error)

// DrainedFunc is called each time the pending queue is observed empty while
// the engine is active. It may fire repeatedly while idle.
type DrainedFunc func(ctx context.Context)

// AdmissionFunc decides whether a dequeued task is dispatched. It may block;
// implementations should honour ctx.
type AdmissionFunc func(ctx context.Context, url string) bool

// Hooks holds exactly one handler per hook kind. Registering a handler
// replaces the previous one; registering nil restores the default.
type Hooks struct {
	mu      sync.RWMutex
	success SuccessFunc
	failure ErrorFunc
	drained DrainedFunc
	admit   AdmissionFunc
	logger  *zap.Logger
}

// NewHooks returns hooks with logging defaults.
func NewHooks(logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{logger: logger}
}

// SetSuccess replaces the success handler.
func (h *Hooks) SetSuccess(fn SuccessFunc) {
	h.mu.Lock()
	h.success = fn
	h.mu.Unlock()
}

// SetError replaces the terminal failure handler.
func (h *Hooks) SetError(fn ErrorFunc) {
	h.mu.Lock()
	h.failure = fn
	h.mu.Unlock()
}

// SetDrained replaces the drained handler.
func (h *Hooks) SetDrained(fn DrainedFunc) {
	h.mu.Lock()
	h.drained = fn
	h.mu.Unlock()
}

// SetBeforeRequest replaces the admission gate.
func (h *Hooks) SetBeforeRequest(fn AdmissionFunc) {
	h.mu.Lock()
	h.admit = fn
	h.mu.Unlock()
}

// Success invokes the success handler, recovering from panics.
func (h *Hooks) Success(ctx context.Context, page Page) {
	h.mu.RLock()
	fn := h.success
	h.mu.RUnlock()
	defer h.recoverHook("success", page.URL)
	if fn == nil {
		h.logger.Info("processing content", zap.String("url", page.URL), zap.Int("bytes", len(page.Body)))
		return
	}
	fn(ctx, page)
}

// Error invokes the terminal failure handler, recovering from panics.
func (h *Hooks) Error(ctx context.Context, url string, err error) {
	h.mu.RLock()
	fn := h.failure
	h.mu.RUnlock()
	defer h.recoverHook("error", url)
	if fn == nil {
		h.logger.Error("error fetching url", zap.String("url", url), zap.Error(err))
		return
	}
	fn(ctx, url, err)
}

// Drained invokes the drained handler, recovering from panics.
func (h *Hooks) Drained(ctx context.Context) {
	h.mu.RLock()
	fn := h.drained
	h.mu.RUnlock()
	defer h.recoverHook("drained", "")
	if fn == nil {
		h.logger.Debug("task queue drained")
		return
	}
	fn(ctx)
}

// Admit evaluates the admission gate. A panicking gate rejects the task.
func (h *Hooks) Admit(ctx context.Context, url string) (allowed bool) {
	h.mu.RLock()
	fn := h.admit
	h.mu.RUnlock()
	if fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("admission hook panicked",
				zap.String("url", url),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
			allowed = false
		}
	}()
	return fn(ctx, url)
}

func (h *Hooks) recoverHook(kind, url string) {
	if r := recover(); r != nil {
		h.logger.Error("hook panicked",
			zap.String("hook", kind),
			zap.String("url", url),
			zap.String("panic", fmt.Sprint(r)),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}

// FanOutSuccess calls each non-nil handler in order.
func FanOutSuccess(fns ...SuccessFunc) SuccessFunc {
	return func(ctx context.Context, page Page) {
		for _, fn := range fns {
			if fn != nil {
				fn(ctx, page)
			}
		}
	}
}

// FanOutError calls each non-nil handler in order.
func FanOutError(fns ...ErrorFunc) ErrorFunc {
	return func(ctx context.Context, url string, err error) {
		for _, fn := range fns {
			if fn != nil {
				fn(ctx, url, err)
			}
		}
	}
}

// FanOutDrained calls each non-nil handler in order.
func FanOutDrained(fns ...DrainedFunc) DrainedFunc {
	return func(ctx context.Context) {
		for _, fn := range fns {
			if fn != nil {
				fn(ctx)
			}
		}
	}
}

// AllOf admits a task only if every non-nil gate admits it. Evaluation stops
// at the first rejection.
func AllOf(gates ...AdmissionFunc) AdmissionFunc {
	return func(ctx context.Context, url string) bool {
		for _, gate := range gates {
			if gate != nil && !gate(ctx, url) {
				return false
			}
		}
		return true
	}
}
