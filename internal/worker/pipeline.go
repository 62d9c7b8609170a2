package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const tracerName = "github.com/JakeFAU/crawl-engine/internal/worker"

// Pipeline performs exactly one fetch attempt per call: it picks a proxy,
// calls the transport, and classifies the outcome. It never retries.
type Pipeline struct {
	transport crawler.Transport
	proxies   *crawler.ProxyPool
	headers   http.Header
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewPipeline constructs a Pipeline. A nil proxy pool means direct connections.
func NewPipeline(transport crawler.Transport, proxies *crawler.ProxyPool, headers http.Header, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		transport: transport,
		proxies:   proxies,
		headers:   headers,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Fetch runs a single attempt for task.
func (p *Pipeline) Fetch(ctx context.Context, task crawler.Task) crawler.FetchResult {
	proxy := p.proxies.Pick()
	ctx, span := p.tracer.Start(ctx, "crawler.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.full", task.URL),
			attribute.Int("crawler.attempt", task.Attempt),
			attribute.Bool("crawler.proxied", proxy != ""),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.transport.Fetch(ctx, crawler.FetchRequest{
		URL:     task.URL,
		Proxy:   proxy,
		Headers: p.headers.Clone(),
	})
	elapsed := resp.Duration
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}

	page := crawler.Page{
		URL:        task.URL,
		FinalURL:   resp.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Proxy:      crawler.RedactProxy(proxy),
		Attempt:    task.Attempt,
		Duration:   elapsed,
	}
	if page.FinalURL == "" {
		page.FinalURL = task.URL
	}
	result := crawler.FetchResult{Page: page, RetriesLeft: task.RetriesLeft}

	switch {
	case err != nil:
		var transportErr *crawler.TransportError
		if !errors.As(err, &transportErr) {
			err = &crawler.TransportError{URL: task.URL, Proxy: proxy, Err: err}
		}
		result.Err = err
	case resp.StatusCode < http.StatusOK || resp.StatusCode > 299:
		result.Err = &crawler.HTTPStatusError{URL: task.URL, StatusCode: resp.StatusCode}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}

	p.logger.Debug("fetch attempt finished",
		zap.String("url", task.URL),
		zap.String("proxy", page.Proxy),
		zap.Int("attempt", task.Attempt),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", elapsed),
		zap.Error(result.Err),
	)
	return result
}
