// Package identity picks the proxy and User-Agent presented on each request.
package identity

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// ProxyConfig is a single upstream HTTP proxy.
type ProxyConfig struct {
	URL *url.URL
}

// String returns the proxy URL with the password redacted.
func (p ProxyConfig) String() string {
	if p.URL == nil {
		return ""
	}
	return p.URL.Redacted()
}

// ParseProxy accepts either IP:PORT:USERNAME:PASSWORD or a full proxy URL.
func ParseProxy(raw string) (ProxyConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProxyConfig{}, fmt.Errorf("proxy is empty")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ProxyConfig{}, fmt.Errorf("parse proxy url: %w", err)
		}
		if u.Host == "" {
			return ProxyConfig{}, fmt.Errorf("proxy url %q has no host", u.Redacted())
		}
		return ProxyConfig{URL: u}, nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return ProxyConfig{}, fmt.Errorf("proxy must be IP:PORT:USERNAME:PASSWORD, got %d fields", len(parts))
	}
	host, port, user, pass := parts[0], parts[1], parts[2], parts[3]
	if host == "" {
		return ProxyConfig{}, fmt.Errorf("proxy host is empty")
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return ProxyConfig{}, fmt.Errorf("proxy port %q is invalid", port)
	}

	return ProxyConfig{URL: &url.URL{
		Scheme: "http",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
	}}, nil
}

// ParseProxies parses every entry and returns the valid ones together with
// the errors for the rejected ones.
func ParseProxies(raws []string) ([]ProxyConfig, []error) {
	var (
		out  []ProxyConfig
		errs []error
	)
	for i, raw := range raws {
		p, err := ParseProxy(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("proxy #%d: %w", i+1, err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

// Provider rotates proxies and user agents using an injected random source.
type Provider struct {
	mu         sync.Mutex
	rnd        *rand.Rand
	proxies    []ProxyConfig
	userAgents []string
}

// NewProvider builds a provider. rnd must not be shared with other goroutines.
func NewProvider(proxies []ProxyConfig, userAgents []string, rnd *rand.Rand) *Provider {
	return &Provider{
		rnd:        rnd,
		proxies:    append([]ProxyConfig(nil), proxies...),
		userAgents: append([]string(nil), userAgents...),
	}
}

// ChooseProxy returns a random proxy, or false when none are configured.
func (p *Provider) ChooseProxy() (ProxyConfig, bool) {
	if len(p.proxies) == 0 {
		return ProxyConfig{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proxies[p.rnd.Intn(len(p.proxies))], true
}

// ChooseUserAgent returns a random user agent, or "" when none are configured.
func (p *Provider) ChooseUserAgent() string {
	if len(p.userAgents) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgents[p.rnd.Intn(len(p.userAgents))]
}
