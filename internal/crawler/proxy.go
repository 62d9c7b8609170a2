package crawler

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
)

var supportedProxySchemes = map[string]struct{}{
	"http":    {},
	"https":   {},
	"socks5":  {},
	"socks5h": {},
}

// ProxyPool holds the outbound proxies used by the fetch pipeline. An empty
// pool means direct connections; a single entry is always used; otherwise
// each attempt picks one uniformly at random.
type ProxyPool struct {
	mu      sync.RWMutex
	proxies []string
	intn    func(n int) int
}

// NewProxyPool builds a pool from the provided proxy URLs.
func NewProxyPool(proxies ...string) (*ProxyPool, error) {
	p := &ProxyPool{intn: rand.IntN}
	if err := p.Set(proxies...); err != nil {
		return nil, err
	}
	return p, nil
}

// Set replaces the pool contents. Blank entries are ignored; any malformed
// entry rejects the whole update and leaves the pool unchanged.
func (p *ProxyPool) Set(proxies ...string) error {
	cleaned := make([]string, 0, len(proxies))
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := ValidateProxy(raw); err != nil {
			return err
		}
		cleaned = append(cleaned, raw)
	}
	p.mu.Lock()
	p.proxies = cleaned
	p.mu.Unlock()
	return nil
}

// Pick returns the proxy for the next attempt, or "" for a direct connection.
func (p *ProxyPool) Pick() string {
	if p == nil {
		return ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch len(p.proxies) {
	case 0:
		return ""
	case 1:
		return p.proxies[0]
	default:
		intn := p.intn
		if intn == nil {
			intn = rand.IntN
		}
		return p.proxies[intn(len(p.proxies))]
	}
}

// List returns a copy of the configured proxies.
func (p *ProxyPool) List() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.proxies...)
}

// Len reports how many proxies are configured.
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}

// ValidateProxy checks raw against scheme://[user:pass@]host:port.
func ValidateProxy(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "proxy", Reason: fmt.Sprintf("%q is not a valid URL: %v", RedactProxy(raw), err)}
	}
	if _, ok := supportedProxySchemes[strings.ToLower(u.Scheme)]; !ok {
		return &ValidationError{Field: "proxy", Reason: fmt.Sprintf("%q has unsupported scheme %q", RedactProxy(raw), u.Scheme)}
	}
	if u.Hostname() == "" || u.Port() == "" {
		return &ValidationError{Field: "proxy", Reason: fmt.Sprintf("%q must include host and port", RedactProxy(raw))}
	}
	return nil
}

// RedactProxy strips the password from a proxy URL for logging.
func RedactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
