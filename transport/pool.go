package transport

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ClientPool keeps one *http.Client per proxy setting, so calls through the
// same proxy can reuse keep-alive connections. Reuse is an optimisation only;
// nothing above this package depends on it.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*http.Client // proxy setting → client
	factory func(proxy *url.URL) *http.Client
}

// NewClientPool creates an empty pool. Clients are created lazily.
func NewClientPool() *ClientPool {
	return &ClientPool{
		clients: make(map[string]*http.Client),
		factory: newHTTPClient,
	}
}

// Get returns the client for proxy, creating it on first use.
func (p *ClientPool) Get(proxy string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[proxy]; ok {
		return c, nil
	}

	var proxyURL *url.URL
	if proxy != "" {
		u, err := ParseProxy(proxy)
		if err != nil {
			return nil, err
		}
		proxyURL = u
	}
	c := p.factory(proxyURL)
	p.clients[proxy] = c
	return c, nil
}

// Close drops every client and closes their idle connections.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.clients {
		c.CloseIdleConnections()
		delete(p.clients, k)
	}
	return nil
}

// ParseProxy accepts "host:port" or a full proxy URL.
func ParseProxy(proxy string) (*url.URL, error) {
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing proxy %q", proxy)
	}
	if u.Host == "" {
		return nil, errors.Errorf("proxy %q has no host", proxy)
	}
	return u, nil
}

func newHTTPClient(proxy *url.URL) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: t}
}
