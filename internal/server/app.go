// Package server wires configuration into a running crawl engine, its
// persistence and notification backends, and the admin HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-engine/internal/api"
	"github.com/JakeFAU/crawl-engine/internal/clock/system"
	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-engine/internal/hash/sha256"
	"github.com/JakeFAU/crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-engine/internal/policy/simple"
	"github.com/JakeFAU/crawl-engine/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-engine/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/crawl-engine/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-engine/internal/sink"
	gcsstorage "github.com/JakeFAU/crawl-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-engine/internal/storage/postgres"
	"github.com/JakeFAU/crawl-engine/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var errDrained = errors.New("task queue drained")

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	transport  crawler.Transport
	registerer prometheus.Registerer
}

// WithTransport replaces the configured fetch transport.
func WithTransport(t crawler.Transport) Option {
	return func(o *buildOptions) { o.transport = t }
}

// WithRegisterer registers progress collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine    *dispatcher.Dispatcher
	apiServer *api.Server
	handler   http.Handler

	hub       *progress.Hub
	pool      *pgxpool.Pool
	runs      *pgstore.RunStore
	fetches   *pgstore.FetchStore
	blobs     crawler.BlobStore
	gcs       *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
	telemetry *telemetry.Providers
	closers   []func()
}

// Build creates the application's dependencies. ctx outlives the returned
// App: runs started through the API derive from it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("transport", cfg.HTTP.Transport),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("concurrency", cfg.Engine.Concurrency),
	)

	steps := []func(context.Context) error{
		a.setupTelemetry,
		a.setupDatabase,
		a.setupStorage,
		a.setupPublisher,
		func(ctx context.Context) error { return a.setupProgress(ctx, o.registerer) },
		func(context.Context) error { return a.setupEngine(o.transport) },
		a.setupSink,
		a.setupAPI,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.closeInfrastructure(context.Background())
			return nil, err
		}
	}
	return a, nil
}

// Engine exposes the crawl engine.
func (a *App) Engine() *dispatcher.Dispatcher {
	return a.engine
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run seeds and starts the engine, serves the admin API when enabled, and
// blocks until ctx is cancelled. With exitWhenDrained it also returns once the
// queue is empty and nothing is in flight.
func (a *App) Run(ctx context.Context, exitWhenDrained bool) error {
	g, gctx := errgroup.WithContext(ctx)

	if exitWhenDrained {
		drained := make(chan struct{}, 1)
		a.engine.OnDrained(func(context.Context) {
			select {
			case drained <- struct{}{}:
			default:
			}
		})
		g.Go(func() error { return a.awaitDrained(gctx, drained) })
	}

	if n := a.engine.AddTasks(a.cfg.Engine.Seeds...); n > 0 {
		a.logger.Info("seeded task queue", zap.Int("added", n))
	}
	a.engine.Start(ctx)

	if a.cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	a.engine.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := a.engine.Wait(waitCtx); werr != nil {
		a.logger.Warn("in-flight tasks did not finish", zap.Error(werr))
	}

	if errors.Is(err, errDrained) {
		return nil
	}
	return err
}

func (a *App) awaitDrained(ctx context.Context, drained <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-drained:
		}
		if err := a.engine.Wait(ctx); err != nil {
			return nil
		}
		if a.engine.TaskCount() == 0 {
			a.logger.Info("task queue drained, exiting")
			return errDrained
		}
	}
}

// Close releases every backend in reverse dependency order.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		stats := a.hub.Stats()
		a.logger.Info("progress hub closed",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("delivered", stats.Delivered),
			zap.Int64("dropped", stats.Dropped),
		)
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	prov, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: a.cfg.Telemetry.OTLPInsecure,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.telemetry = prov
	a.logger.Info("tracing enabled", zap.String("otlp_endpoint", a.cfg.Telemetry.OTLPEndpoint))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping fetch and run stores")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.DB.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool, a.cfg.DB.Table); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if a.fetches, err = pgstore.NewFetchStore(pool, a.cfg.DB.Table); err != nil {
		return fmt.Errorf("fetch store init failed: %w", err)
	}
	if a.runs, err = pgstore.NewRunStore(pool); err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			VerifyBucket: a.cfg.Storage.VerifyBucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.blobs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
	case config.StorageMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	default:
		a.logger.Info("page bodies will not be stored")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, fetch records will not be published")
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:  a.cfg.Progress.BufferSize,
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
		OnDrop:      metrics.AddProgressDropped,
	}, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", a.cfg.Progress.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

func (a *App) setupEngine(transport crawler.Transport) error {
	if transport == nil {
		var err error
		if transport, err = a.newTransport(); err != nil {
			return err
		}
	}

	headers := make(http.Header, len(a.cfg.HTTP.Headers))
	for k, v := range a.cfg.HTTP.Headers {
		headers.Set(k, v)
	}

	opts := []dispatcher.Option{dispatcher.WithLogger(a.logger.Named("engine"))}
	if a.hub != nil {
		opts = append(opts, dispatcher.WithEmitter(a.hub))
	}
	engine, err := dispatcher.New(dispatcher.Config{
		Concurrency:  a.cfg.Engine.Concurrency,
		Retries:      a.cfg.Engine.Retries,
		RetryDelay:   a.cfg.RetryDelay(),
		IdleInterval: a.cfg.IdleInterval(),
		Proxies:      a.cfg.Proxy.URLs,
		Headers:      headers,
	}, transport, opts...)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.engine = engine

	var gates []crawler.AdmissionFunc
	if len(a.cfg.Admission.DenyHosts) > 0 {
		gates = append(gates, simple.New(a.cfg.Admission.DenyHosts...).Admit)
		a.logger.Info("host deny list enabled", zap.Strings("hosts", a.cfg.Admission.DenyHosts))
	}
	if a.cfg.Admission.RatePerSecond > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Admission.RatePerSecond,
			Burst: a.cfg.Admission.Burst,
		})
		gates = append(gates, limiter.Admit)
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.Admission.RatePerSecond),
			zap.Int("burst", a.cfg.Admission.Burst),
		)
	}
	if len(gates) > 0 {
		engine.BeforeRequest(crawler.AllOf(gates...))
	}
	return nil
}

func (a *App) newTransport() (crawler.Transport, error) {
	switch a.cfg.HTTP.Transport {
	case config.TransportHeadless:
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		a.logger.Info("using headless transport", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return f, nil
	default:
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent:   a.cfg.HTTP.UserAgent,
			Timeout:     a.cfg.Timeout(),
			MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
		})
		a.closers = append(a.closers, f.Close)
		a.logger.Info("using colly transport", zap.String("user_agent", a.cfg.HTTP.UserAgent))
		return f, nil
	}
}

func (a *App) setupSink(context.Context) error {
	deps := sink.Deps{
		Blobs:  a.blobs,
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  system.New(),
		RunID:  a.engine.RunID,
		Logger: a.logger.Named("sink"),
	}
	if a.fetches != nil {
		deps.Fetches = a.fetches
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	s, err := sink.New(sink.Config{Prefix: a.cfg.Storage.Prefix, Topic: a.cfg.PubSub.TopicName}, deps)
	if err != nil {
		return fmt.Errorf("sink init failed: %w", err)
	}
	a.engine.OnSuccess(s.HandleSuccess)
	a.engine.OnError(s.HandleFailure)
	return nil
}

func (a *App) setupAPI(ctx context.Context) error {
	opts := api.Options{
		BaseContext: ctx,
		Logger:      a.logger.Named("api"),
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	if a.runs != nil {
		opts.Runs = a.runs
	}
	if a.pool != nil {
		opts.Ready = a.pool.Ping
	}
	a.apiServer = api.NewServer(a.engine, opts)
	a.handler = telemetry.WrapHandler(a.apiServer.Handler(), a.telemetry)
	return nil
}
