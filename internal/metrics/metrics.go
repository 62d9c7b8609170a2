// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerInFlight              prometheus.Gauge
	crawlerPendingTasks          prometheus.Gauge
	crawlerAdmissionWaitSeconds  prometheus.Histogram
	crawlerRetriesTotal          prometheus.Counter
	crawlerTerminalFailuresTotal prometheus.Counter
	crawlerAdmissionSkipsTotal   prometheus.Counter
	crawlerDrainedTotal          prometheus.Counter
	crawlerProgressDroppedTotal  prometheus.Counter
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_in_flight",
			Help: "Number of fetches currently holding a concurrency slot.",
		})

		crawlerPendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_pending_tasks",
			Help: "Number of URLs waiting in the task queue.",
		})

		crawlerAdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_admission_wait_seconds",
			Help:    "Histogram of time tasks spent waiting on the admission rate limit.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		})

		crawlerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of retry attempts scheduled.",
		})

		crawlerTerminalFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_terminal_failures_total",
			Help: "Total number of tasks that exhausted their retry budget.",
		})

		crawlerAdmissionSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_admission_skips_total",
			Help: "Total number of tasks dropped by the admission gate.",
		})

		crawlerDrainedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_drained_total",
			Help: "Total number of times the queue was observed drained.",
		})

		crawlerProgressDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_progress_events_dropped_total",
			Help: "Total number of progress events dropped because the hub buffer was full.",
		})

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetInFlight records the current number of in-flight fetches.
func SetInFlight(n int) {
	Init()
	crawlerInFlight.Set(float64(n))
}

// SetPending records the current task queue depth.
func SetPending(n int) {
	Init()
	crawlerPendingTasks.Set(float64(n))
}

// ObserveAdmissionWait records time spent blocked in the rate limit gate.
func ObserveAdmissionWait(duration time.Duration) {
	Init()
	crawlerAdmissionWaitSeconds.Observe(duration.Seconds())
}

// IncRetry counts a scheduled retry.
func IncRetry() {
	Init()
	crawlerRetriesTotal.Inc()
}

// IncTerminalFailure counts a task that exhausted its retries.
func IncTerminalFailure() {
	Init()
	crawlerTerminalFailuresTotal.Inc()
}

// IncAdmissionSkip counts a task rejected by the admission gate.
func IncAdmissionSkip() {
	Init()
	crawlerAdmissionSkipsTotal.Inc()
}

// IncDrained counts a drained observation.
func IncDrained() {
	Init()
	crawlerDrainedTotal.Inc()
}

// AddProgressDropped counts progress events lost to backpressure.
func AddProgressDropped(n int) {
	Init()
	crawlerProgressDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
