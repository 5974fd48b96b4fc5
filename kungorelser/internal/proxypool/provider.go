package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrProviderRejected means the provider refused our credentials or
// account; retrying will not help until configuration changes.
var ErrProviderRejected = errors.New("proxypool: provider rejected credentials")

// Provider supplies the endpoint list for Refresh.
type Provider interface {
	Endpoints(ctx context.Context) ([]Endpoint, error)
}

// StaticProvider serves a fixed list of proxy addresses (config file or
// PROXY_SERVER, comma separated).
type StaticProvider []string

// ParseStatic splits a comma or whitespace separated address list.
func ParseStatic(s string) StaticProvider {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	return StaticProvider(fields)
}

func (sp StaticProvider) Endpoints(context.Context) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(sp))
	for _, raw := range sp {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// MultiProvider concatenates providers. A failing provider is skipped as
// long as another one returns endpoints.
type MultiProvider []Provider

func (mp MultiProvider) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	var errs []error
	for _, p := range mp {
		eps, err := p.Endpoints(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, eps...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// TwoCaptchaProvider fetches residential proxies from the 2captcha proxy
// API.
type TwoCaptchaProvider struct {
	APIKey  string
	Country string // default SE
	Type    string // default residential
	Limit   int    // default 10
	BaseURL string // default https://2captcha.com
	Client  *http.Client
}

type twoCaptchaProxy struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	IP       string          `json:"ip"`
	Port     json.RawMessage `json:"port"`
	Login    string          `json:"login"`
	Password string          `json:"password"`
}

type twoCaptchaProxyResponse struct {
	Status  int               `json:"status"`
	Request string            `json:"request"`
	Proxies []twoCaptchaProxy `json:"proxies"`
}

func (tp *TwoCaptchaProvider) Endpoints(ctx context.Context) ([]Endpoint, error) {
	if tp.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key", ErrProviderRejected)
	}
	base := tp.BaseURL
	if base == "" {
		base = "https://2captcha.com"
	}
	q := url.Values{}
	q.Set("key", tp.APIKey)
	q.Set("country", orDefault(tp.Country, "SE"))
	q.Set("type", orDefault(tp.Type, "residential"))
	limit := tp.Limit
	if limit <= 0 {
		limit = 10
	}
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(base, "/")+"/api/v1/proxy?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("twocaptcha proxy: %w", err)
	}
	client := tp.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twocaptcha proxy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http %d", ErrProviderRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twocaptcha proxy: http %d", resp.StatusCode)
	}

	var body twoCaptchaProxyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("twocaptcha proxy: decode: %w", err)
	}
	if body.Status != 1 {
		if strings.Contains(body.Request, "KEY") || strings.Contains(body.Request, "ZERO_BALANCE") {
			return nil, fmt.Errorf("%w: %s", ErrProviderRejected, body.Request)
		}
		return nil, fmt.Errorf("twocaptcha proxy: %s", body.Request)
	}

	out := make([]Endpoint, 0, len(body.Proxies))
	for _, px := range body.Proxies {
		port := strings.Trim(string(px.Port), `"`)
		if px.IP == "" || port == "" {
			continue
		}
		addr := net.JoinHostPort(px.IP, port)
		id := px.ID
		if id == "" {
			id = addr
		}
		out = append(out, Endpoint{ID: id, Address: addr, Username: px.Login, Password: px.Password})
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
