package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int("attempt", evt.Attempt),
				zap.Int("retries_left", evt.RetriesLeft),
			)
		}
		if evt.Proxy != "" {
			fields = append(fields, zap.String("proxy", evt.Proxy))
		}
		if evt.Stage == progress.StageFetchDone {
			fields = append(fields,
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
