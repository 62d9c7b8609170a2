// Package collyfetcher implements crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 10 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the response body; zero selects 10 MiB.
	MaxBodySize int
}

// Fetcher implements crawler.Transport using a fresh Colly collector per
// attempt, so per-attempt proxy selection never leaks between requests.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP GET using Colly. Any HTTP status is returned
// as a response; only network-level failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(request)
	if err != nil {
		return crawler.FetchResponse{}, &crawler.TransportError{URL: request.URL, Proxy: request.Proxy, Err: err}
	}
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, &crawler.TransportError{URL: request.URL, Proxy: request.Proxy, Err: err}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest) (*colly.Collector, error) {
	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return nil, err
	}
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodySize),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)
	return collector, nil
}

// transportFor returns the pooled transport for proxy, creating it on first use.
func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[proxy]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %s: %w", crawler.RedactProxy(proxy), err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	f.transports[proxy] = t
	return t, nil
}

// Close drops idle connections held by every pooled transport.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
