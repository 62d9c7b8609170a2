// Package headless implements crawler.Transport by rendering pages in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

var errNoDocumentResponse = errors.New("no document response observed")

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements crawler.Transport using chromedp. Each distinct proxy
// gets its own browser process, since Chrome binds the proxy at launch.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}

	mu         sync.Mutex
	allocators map[string]allocator
	closed     bool
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{
		cfg:        cfg,
		limiter:    limiter,
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every browser started by the fetcher.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for key, alloc := range f.allocators {
		alloc.cancel()
		delete(f.allocators, key)
	}
}

// Fetch navigates with a headless browser and returns the rendered DOM. The
// status code comes from the main document response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.fetch(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, &crawler.TransportError{URL: request.URL, Proxy: request.Proxy, Err: err}
	}
	return resp, nil
}

func (f *Fetcher) fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	allocCtx, err := f.allocatorFor(request.Proxy)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	creds := proxyCredentials(request.Proxy)
	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		if creds != nil {
			handleProxyAuth(taskCtx, ev, creds)
		}
	})

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request, creds != nil)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL, err := meta.snapshotWithFallbacks(request.URL, finalURL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if headers == nil {
		headers = http.Header{}
	}

	return crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

// allocatorFor returns the browser allocator bound to proxy, launching one on first use.
func (f *Fetcher) allocatorFor(proxy string) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("headless fetcher closed")
	}
	if alloc, ok := f.allocators[proxy]; ok {
		return alloc.ctx, nil
	}
	opts, err := f.allocatorOptions(proxy)
	if err != nil {
		return nil, err
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	f.allocators[proxy] = allocator{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func (f *Fetcher) allocatorOptions(proxy string) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if proxy != "" {
		server, err := proxyServer(proxy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chromedp.ProxyServer(server))
	}
	return opts, nil
}

// proxyServer strips credentials, which Chrome rejects in --proxy-server.
func proxyServer(proxy string) (string, error) {
	u, err := url.Parse(proxy)
	if err != nil {
		return "", fmt.Errorf("parse proxy %s: %w", crawler.RedactProxy(proxy), err)
	}
	return u.Scheme + "://" + u.Host, nil
}

func proxyCredentials(proxy string) *url.Userinfo {
	if proxy == "" {
		return nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.User == nil {
		return nil
	}
	return u.User
}

// handleProxyAuth answers proxy auth challenges while request interception is
// enabled. Event handlers must not block, so replies run on their own goroutine.
func handleProxyAuth(ctx context.Context, ev any, creds *url.Userinfo) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go func() {
			_ = fetch.ContinueRequest(e.RequestID).Do(executorContext(ctx))
		}()
	case *fetch.EventAuthRequired:
		password, _ := creds.Password()
		go func() {
			_ = fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: creds.Username(),
				Password: password,
			}).Do(executorContext(ctx))
		}()
	}
}

func executorContext(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, c.Target)
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest, proxyAuth bool) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers, proxyAuth),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header, proxyAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if proxyAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable proxy auth: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks fills in the response URL from the navigation when no
// document response carried one. A missing status is an error: the page
// rendered without the browser ever reporting how the server answered.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string, error) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		return 0, nil, url, errNoDocumentResponse
	}
	return status, headers, url, nil
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
