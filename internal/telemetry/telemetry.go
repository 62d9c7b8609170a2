// Package telemetry configures OpenTelemetry tracing for the crawl engine and
// its admin API.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls tracer provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a host:port or full URL; empty keeps spans in-process.
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRatio is the fraction of root spans kept; <= 0 or >= 1 samples all.
	SampleRatio float64
}

// Providers bundles what Init installed globally.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// Shutdown flushes pending spans and stops the provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.TracerProvider == nil {
		return nil
	}
	return p.TracerProvider.Shutdown(ctx)
}

// Init builds a tracer provider, installs it and the W3C propagators as the
// otel globals, and returns them. Extra options are appended last.
func Init(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "crawl-engine"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
	}
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	traceOpts = append(traceOpts, opts...)

	tp := sdktrace.NewTracerProvider(traceOpts...)
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(prop)

	return &Providers{TracerProvider: tp, Propagator: prop}, nil
}

// WrapHandler instruments handler with a server span per request. Health and
// metrics probes are not traced.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}
	return otelhttp.NewHandler(handler, "crawl-engine.api",
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}
