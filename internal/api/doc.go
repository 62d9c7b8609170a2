// Package api hosts the admin HTTP server for the crawl engine. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST and GET /v1/tasks to feed and inspect the pending queue.
//   - /v1/engine/... to start, stop, inspect and reconfigure the engine.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/sites for run
//     progress recorded through the store.RunRepository interface.
package api
