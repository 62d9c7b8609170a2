package crawler

import (
	"net/http"
	"time"
)

// State represents the lifecycle state of the engine.
type State string

// Engine lifecycle states.
const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// Task is a URL scheduled for fetching plus its remaining retry budget.
type Task struct {
	URL string
	// RetriesLeft is copied from the engine setting when the task is first
	// dispatched and only ever decreases.
	RetriesLeft int
	// Attempt counts fetch attempts made so far, starting at 1 for the first.
	Attempt int
}

// FetchRequest captures everything a Transport needs for one attempt.
type FetchRequest struct {
	URL string
	// Proxy is empty for a direct connection.
	Proxy   string
	Headers http.Header
}

// FetchResponse is the raw outcome returned by a Transport implementation.
// Non-2xx statuses are returned as responses, not errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Page is handed to the success hook once a task succeeds.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Proxy      string
	Attempt    int
	Duration   time.Duration
}

// Text returns the response body as a string.
func (p Page) Text() string {
	return string(p.Body)
}

// FetchResult is the single outcome of one pipeline call.
type FetchResult struct {
	Page Page
	// Err is nil on success and holds a *TransportError or *HTTPStatusError otherwise.
	Err error
	// RetriesLeft is the task budget at the time of the attempt.
	RetriesLeft int
}

// OK reports whether the attempt succeeded.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// FetchRecord is persisted once per task that reaches a terminal outcome.
type FetchRecord struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	URL         string      `json:"url"`
	FinalURL    string      `json:"final_url,omitempty"`
	Succeeded   bool        `json:"succeeded"`
	StatusCode  int         `json:"status_code,omitempty"`
	Attempts    int         `json:"attempts"`
	Proxy       string      `json:"proxy,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	BlobURI     string      `json:"blob_uri,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	ErrorText   string      `json:"error_text,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State    State    `json:"state"`
	Pending  int      `json:"pending"`
	InFlight int      `json:"in_flight"`
	Limit    int      `json:"concurrency_limit"`
	Retries  int      `json:"retries"`
	Proxies  []string `json:"proxies"`
}
