// Command crawlengine hosts the crawl engine service.
//
// Architecture overview:
//   - Task queue: URLs enter through config seeds, the --seed flag, or POST /v1/tasks. The queue is FIFO and
//     holds each pending URL at most once; a URL may be re-added after it has been dispatched.
//   - Dispatcher & governor: a single pump dequeues URLs while the engine is active, evaluates the admission
//     gates (host deny list, rate limiter) and hands each admitted task to a worker goroutine once a
//     concurrency slot is free. The slot limit is config.Engine.Concurrency.
//   - Fetch pipeline: each attempt picks a proxy from the pool (none, one, or uniform random among many) and
//     fetches through the Colly or Chromedp transport. Any 2xx is success; other statuses and transport errors
//     are failures.
//   - Retries: a failed attempt with budget left waits engine.retry_delay_ms without holding a slot, then runs
//     again. The budget is fixed when the task is first dispatched.
//   - Persistence & fanout: successes store the body in the configured BlobStore (memory/local/GCS), every
//     terminal outcome is written to Postgres when a DSN is set, and a record is published to Pub/Sub when a
//     project is configured. Progress events feed log, Prometheus and run-statistics sinks.
//
// Operational notes:
//   - Lifecycle: `run` seeds and starts the engine. POST /v1/engine/stop halts dispatch while in-flight fetches
//     and their retries finish; POST /v1/engine/start begins a new run.
//   - Shutdown: SIGINT/SIGTERM stops dispatch, waits up to ten seconds for in-flight work, then closes backends.
//     With --exit-when-drained the process also exits once the queue is empty and nothing is in flight.
//   - Observability: zap logs carry run IDs and URLs; Prometheus metrics are served on /metrics; OpenTelemetry
//     spans cover API requests and fetch attempts when telemetry.enabled is set.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_ENGINE_CONCURRENCY, CRAWLER_ENGINE_RETRIES, CRAWLER_PROXY_URLS,
//     CRAWLER_HTTP_TRANSPORT, storage (CRAWLER_STORAGE_*), pubsub, and CRAWLER_DB_DSN when persistence beyond
//     memory is required.
//   - Run locally: go run ./cmd/crawlengine run --config config.yaml --seed https://example.com --exit-when-drained
package main
