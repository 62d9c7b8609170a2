package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAdmissionSkipped marks a task dropped by the admission gate. It is never
// passed to the error hook.
var ErrAdmissionSkipped = errors.New("admission gate rejected task")

// TransportError wraps a network, DNS, TLS, or timeout failure.
type TransportError struct {
	URL   string
	Proxy string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Proxy != "" {
		return fmt.Sprintf("fetch %s via %s: %v", e.URL, RedactProxy(e.Proxy), e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError reports a response outside the 2xx range.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request failed: %s returned status %d %s",
		e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// TaskError is what the error hook receives once a task exhausts its retry
// budget. It unwraps to the cause of the final attempt.
type TaskError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed configuration or API input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// StatusCodeOf extracts the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// AttemptsOf reports how many fetch attempts err covers, or 0 when unknown.
func AttemptsOf(err error) int {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Attempts
	}
	return 0
}
