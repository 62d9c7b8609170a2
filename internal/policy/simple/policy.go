// Package simple contains static admission gates.
package simple

import (
	"context"
	"net/url"
	"strings"
)

// Policy admits every URL except those whose host matches the deny list. A
// deny entry matches the host itself and any of its subdomains.
type Policy struct {
	denied []string
}

// New creates a new Policy. With no hosts it admits everything. Entries may
// be written as "host", ".host" or "*.host"; all three deny the same set.
func New(denyHosts ...string) *Policy {
	p := &Policy{}
	seen := make(map[string]struct{}, len(denyHosts))
	for _, host := range denyHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		host = strings.Trim(strings.TrimPrefix(host, "*."), ".")
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		p.denied = append(p.denied, host)
	}
	return p
}

// Allow reports whether rawURL passes the deny list. Unparseable URLs are
// admitted so the transport can report them as failures.
func (p *Policy) Allow(rawURL string) bool {
	if p == nil || len(p.denied) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, deny := range p.denied {
		if host == deny || strings.HasSuffix(host, "."+deny) {
			return false
		}
	}
	return true
}

// Admit satisfies crawler.AdmissionFunc.
func (p *Policy) Admit(_ context.Context, rawURL string) bool {
	return p.Allow(rawURL)
}
