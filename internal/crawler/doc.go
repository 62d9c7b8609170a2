// Package crawler defines the shared vocabulary of the crawl engine: tasks,
// fetch requests and responses, the Transport capability, the hook surface,
// the proxy pool, and the error taxonomy used by the dispatcher and workers.
package crawler
