package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/fetch"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
)

var _ fetch.Transport = (*Transport)(nil)

// Transport implements fetch.Transport with a stealth-patched Chrome tab
// per request. Each endpoint gets its own browser context, so cookies
// earned by a solved challenge stay with the exit that solved it. Network
// requests of the tab are replayed through a Go client bound to the
// endpoint, which carries proxy credentials Chrome cannot take per
// context.
type Transport struct {
	mgr   *Manager
	block map[string]bool

	mu       sync.Mutex
	gen      uint64
	contexts map[string]proto.BrowserBrowserContextID
	clients  map[string]*http.Client
}

// NewTransport creates a Transport on mgr.
func NewTransport(mgr *Manager) *Transport {
	block := make(map[string]bool, len(mgr.cfg.Block))
	for _, t := range mgr.cfg.Block {
		block[strings.ToLower(t)] = true
	}
	return &Transport{
		mgr:      mgr,
		block:    block,
		contexts: make(map[string]proto.BrowserBrowserContextID),
		clients:  make(map[string]*http.Client),
	}
}

// Do loads req in a fresh tab. Deadlines come from ctx.
func (t *Transport) Do(ctx context.Context, proxy *proxypool.Endpoint, req *fetch.Request) (*fetch.Response, error) {
	b, gen, err := t.mgr.Browser(ctx)
	if err != nil {
		return nil, err
	}
	key := "direct"
	if proxy != nil {
		key = proxy.ID
	}
	bctx, err := t.browserContext(b, gen, key)
	if err != nil {
		return nil, err
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank", BrowserContextID: bctx})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return nil, fmt.Errorf("browser: stealth: %w", err)
	}

	var statusMu sync.Mutex
	status := 0
	router := page.HijackRequests()
	client := t.client(key, proxy)
	err = router.Add("*", "", func(h *rod.Hijack) {
		typ := string(h.Request.Type())
		if shouldBlock(t.block, typ) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if err := h.LoadResponse(client, true); err != nil {
			h.Response.Fail(proto.NetworkErrorReasonConnectionFailed)
			return
		}
		if h.Request.Type() == proto.NetworkResourceTypeDocument {
			statusMu.Lock()
			status = h.Response.Payload().ResponseCode
			statusMu.Unlock()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("browser: hijack: %w", err)
	}
	go router.Run()
	defer router.Stop()

	p := page.Context(ctx)
	if err := navigate(p, req); err != nil {
		return nil, err
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("browser: wait load: %w", err)
	}

	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser: read dom: %w", err)
	}
	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("browser: page info: %w", err)
	}
	statusMu.Lock()
	code := status
	statusMu.Unlock()
	if code == 0 {
		code = http.StatusOK
	}
	return &fetch.Response{URL: info.URL, Status: code, Body: []byte(html)}, nil
}

// Close disposes every browser context and idle connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.mgr.running(); b != nil {
		for _, id := range t.contexts {
			_ = proto.TargetDisposeBrowserContext{BrowserContextID: id}.Call(b)
		}
	}
	t.contexts = make(map[string]proto.BrowserBrowserContextID)
	for _, c := range t.clients {
		c.CloseIdleConnections()
	}
}

func navigate(p *rod.Page, req *fetch.Request) error {
	if req.Method == "" || req.Method == http.MethodGet {
		target := req.URL
		if len(req.Form) > 0 {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + req.Form.Encode()
		}
		if err := p.Navigate(target); err != nil {
			return fmt.Errorf("browser: navigate %s: %w", target, err)
		}
		return nil
	}

	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if _, err := p.Eval(submitJS, req.URL, req.Method, formPairs(req.Form)); err != nil {
		return fmt.Errorf("browser: submit %s: %w", req.URL, err)
	}
	wait()
	return nil
}

const submitJS = `(action, method, fields) => {
	const f = document.createElement('form');
	f.action = action;
	f.method = method;
	for (const [k, v] of fields) {
		const i = document.createElement('input');
		i.type = 'hidden';
		i.name = k;
		i.value = v;
		f.appendChild(i);
	}
	document.body.appendChild(f);
	f.submit();
}`

// formPairs flattens form values in key order.
func formPairs(form map[string][]string) [][2]string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out [][2]string
	for _, k := range keys {
		for _, v := range form[k] {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}

func (t *Transport) browserContext(b *rod.Browser, gen uint64, key string) (proto.BrowserBrowserContextID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		// Chrome was recycled; its contexts are gone.
		t.contexts = make(map[string]proto.BrowserBrowserContextID)
		t.gen = gen
	}
	if id, ok := t.contexts[key]; ok {
		return id, nil
	}
	res, err := proto.TargetCreateBrowserContext{}.Call(b)
	if err != nil {
		return "", fmt.Errorf("browser: create context: %w", err)
	}
	t.contexts[key] = res.BrowserContextID
	return res.BrowserContextID, nil
}

func (t *Transport) client(key string, proxy *proxypool.Endpoint) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy.URL())
	}
	c := &http.Client{
		Transport: tr,
		// Chrome follows redirects itself.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	t.clients[key] = c
	return c
}

func shouldBlock(block map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return block["images"]
	case "font":
		return block["fonts"]
	case "media":
		return block["media"]
	case "stylesheet":
		return block["stylesheets"]
	default:
		return block[lower]
	}
}
