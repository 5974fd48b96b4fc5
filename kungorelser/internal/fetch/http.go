package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
)

// Request is one page load. A non-nil Form is sent as a POST body for
// POST and appended to the query for GET.
type Request struct {
	Method string
	URL    string
	Form   url.Values
}

// Response is a loaded page. URL is the final URL after redirects.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Transport loads pages, optionally through a proxy. A nil proxy means a
// direct connection. Non-2xx statuses are returned as responses, not
// errors.
type Transport interface {
	Do(ctx context.Context, proxy *proxypool.Endpoint, req *Request) (*Response, error)
}

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	UserAgent      string `yaml:"user_agent"`
	AcceptLanguage string `yaml:"accept_language"`
	// MaxBytes caps a response body. Default: 5MB.
	MaxBytes int64 `yaml:"max_bytes"`
}

func (c *HTTPConfig) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = "sv-SE,sv;q=0.9,en;q=0.5"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
}

// HTTPTransport is a net/http Transport. Each proxy (and the direct
// route) gets its own client and cookie jar, so a solved challenge keeps
// its session cookie for later requests through the same exit.
type HTTPTransport struct {
	cfg     HTTPConfig
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	cfg.defaults()
	return &HTTPTransport{cfg: cfg, clients: make(map[string]*http.Client)}
}

func (t *HTTPTransport) client(proxy *proxypool.Endpoint) (*http.Client, error) {
	key := "direct"
	if proxy != nil {
		key = proxy.ID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c, nil
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy.URL())
	}
	c := &http.Client{
		Transport: tr,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			return nil
		},
	}
	t.clients[key] = c
	return c, nil
}

// Do performs req. Deadlines come from ctx.
func (t *HTTPTransport) Do(ctx context.Context, proxy *proxypool.Endpoint, req *Request) (*Response, error) {
	c, err := t.client(proxy)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := req.URL
	var body io.Reader
	form := req.Form
	if len(form) > 0 {
		if method == http.MethodGet {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("User-Agent", t.cfg.UserAgent)
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	hreq.Header.Set("Accept-Language", t.cfg.AcceptLanguage)
	if body != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{URL: resp.Request.URL.String(), Status: resp.StatusCode, Body: data}, nil
}

// CloseIdleConnections releases pooled connections of every client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		c.CloseIdleConnections()
	}
}
