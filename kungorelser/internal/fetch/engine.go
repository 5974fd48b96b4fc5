// Package fetch loads gazette pages through the proxy pool: per-attempt
// timeouts, retry on another endpoint, health reporting and one round
// of challenge solving per attempt.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/captcha"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/poit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

// OnExhausted policies for an empty or fully tripped pool.
const (
	ExhaustedDirect = "direct"
	ExhaustedWait   = "wait"
	ExhaustedFail   = "fail"
)

// Pool is the part of *proxypool.Pool the engine uses.
type Pool interface {
	Acquire(exclude ...string) (*proxypool.Endpoint, error)
	ReportSuccess(ep *proxypool.Endpoint)
	ReportFailure(ep *proxypool.Endpoint, kind proxypool.ErrorKind)
}

// Recorder receives scrape counters. *store.Store implements it.
type Recorder interface {
	RecordScrape(ctx context.Context, d store.ScrapeDelta) error
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// BaseURL is the gazette search page. Default: poit.DefaultBaseURL.
	BaseURL string `yaml:"base_url"`
	// MaxAttempts per page load. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// RequestTimeout bounds each transport call. Default: 60s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// OnExhausted is direct, wait or fail. Default: direct.
	OnExhausted string `yaml:"on_exhausted"`
	// ExhaustedWait is the pause before re-acquiring under "wait". Default: 30s.
	ExhaustedWait time.Duration `yaml:"exhausted_wait"`
	// CaptchaRounds is how many challenges one attempt may solve. Default: 1.
	CaptchaRounds int `yaml:"captcha_rounds"`
	// UseProxy routes requests through the pool. Without it every
	// request goes direct.
	UseProxy bool `yaml:"use_proxy"`

	Selectors poit.Selectors `yaml:"selectors"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = poit.DefaultBaseURL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	switch c.OnExhausted {
	case ExhaustedDirect, ExhaustedWait, ExhaustedFail:
	default:
		c.OnExhausted = ExhaustedDirect
	}
	if c.ExhaustedWait <= 0 {
		c.ExhaustedWait = 30 * time.Second
	}
	if c.CaptchaRounds <= 0 {
		c.CaptchaRounds = 1
	}
	c.Selectors = c.Selectors.WithDefaults()
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	transport Transport
	pool      Pool
	solver    captcha.Solver
	recorder  Recorder
	logger    *slog.Logger
}

// New creates an Engine. pool, solver and recorder may be nil.
func New(cfg Config, transport Transport, pool Pool, solver captcha.Solver, recorder Recorder, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		pool:      pool,
		solver:    solver,
		recorder:  recorder,
		logger:    logger,
	}
}

// Search loads one result page. An empty pageURL starts a new search for
// query; otherwise pageURL is a NextURL from a previous page.
func (e *Engine) Search(ctx context.Context, query, pageURL string) (*poit.ResultPage, error) {
	target := pageURL
	if target == "" {
		u, err := poit.SearchURL(e.cfg.BaseURL, query)
		if err != nil {
			return nil, fmt.Errorf("fetch: search url: %w", err)
		}
		target = u
		e.record(ctx, store.ScrapeDelta{Searches: 1})
	}

	var page *poit.ResultPage
	err := e.load(ctx, &Request{Method: http.MethodGet, URL: target}, func(resp *Response) error {
		base, _ := url.Parse(resp.URL)
		p, err := poit.ParseResults(resp.Body, base, e.cfg.Selectors)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	return page, err
}

// Detail loads and parses one notice page.
func (e *Engine) Detail(ctx context.Context, noticeURL string) (*poit.Detail, error) {
	var d *poit.Detail
	err := e.load(ctx, &Request{Method: http.MethodGet, URL: noticeURL}, func(resp *Response) error {
		parsed, err := poit.ParseDetail(resp.Body, e.cfg.Selectors)
		if err != nil {
			return err
		}
		d = parsed
		return nil
	})
	return d, err
}

// load runs req under the retry budget and hands the first usable
// response to parse. Parse errors are final: the transport worked, the
// markup did not match.
func (e *Engine) load(ctx context.Context, req *Request, parse func(*Response) error) error {
	var tried []string
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ep, err := e.acquire(ctx, tried)
		if err != nil {
			return err
		}
		if ep != nil {
			tried = append(tried, ep.ID)
		}

		resp, err := e.attempt(ctx, ep, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by the caller, not the endpoint's fault.
				return ctx.Err()
			}
			var ae *attemptError
			kind := proxypool.KindNetwork
			if errors.As(err, &ae) {
				kind = ae.kind
			}
			e.reportFailure(ep, kind)
			lastErr = err
			e.logger.Warn("fetch: attempt failed",
				"url", req.URL, "attempt", attempt, "proxy", proxyName(ep), "kind", string(kind), "error", err)
			continue
		}

		e.reportSuccess(ep)
		if err := parse(resp); err != nil {
			if errors.Is(err, poit.ErrParseFailed) {
				e.logger.Warn("fetch: unexpected markup", "url", resp.URL, "status", resp.Status)
			}
			return err
		}
		return nil
	}
	e.record(ctx, store.ScrapeDelta{Errors: 1})
	return fmt.Errorf("%w after %d attempts: %w", ErrFetchFailed, e.cfg.MaxAttempts, lastErr)
}

// attempt performs one request plus up to CaptchaRounds challenge
// submissions. Any returned error is an *attemptError unless ctx ended.
func (e *Engine) attempt(ctx context.Context, ep *proxypool.Endpoint, req *Request) (*Response, error) {
	resp, err := e.do(ctx, ep, req)
	if err != nil {
		return nil, err
	}
	for round := 0; ; round++ {
		pageURL, _ := url.Parse(resp.URL)
		ch, ok := poit.DetectChallenge(resp.Body, pageURL, e.cfg.Selectors)
		if !ok {
			return resp, nil
		}
		if ch.Blocked {
			return nil, &attemptError{kind: proxypool.KindBlocked, err: ErrBlocked}
		}
		if round >= e.cfg.CaptchaRounds {
			return nil, &attemptError{kind: proxypool.KindCaptcha, err: fmt.Errorf("%w: challenge repeated", ErrChallenge)}
		}
		if e.solver == nil || ch.Image == "" {
			return nil, &attemptError{kind: proxypool.KindCaptcha, err: fmt.Errorf("%w: no solvable image", ErrChallenge)}
		}
		answer, err := e.solver.Solve(ctx, ch.Image)
		if err != nil {
			return nil, &attemptError{kind: proxypool.KindCaptcha, err: fmt.Errorf("%w: %w", ErrChallenge, err)}
		}
		e.record(ctx, store.ScrapeDelta{CaptchaSolves: 1})
		e.logger.Debug("fetch: challenge solved", "url", resp.URL, "proxy", proxyName(ep))

		submitted, err := e.do(ctx, ep, &Request{Method: ch.Method, URL: ch.Action, Form: ch.Answer(answer)})
		if err != nil {
			return nil, err
		}
		// The answer form usually redirects back; reload the target if not.
		if submitted.URL != req.URL {
			if _, isChallenge := poit.DetectChallenge(submitted.Body, nil, e.cfg.Selectors); !isChallenge {
				if submitted, err = e.do(ctx, ep, req); err != nil {
					return nil, err
				}
			}
		}
		resp = submitted
	}
}

// do is one transport call under RequestTimeout, with status mapping.
func (e *Engine) do(ctx context.Context, ep *proxypool.Endpoint, req *Request) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.transport.Do(actx, ep, req)
	if err != nil {
		kind := proxypool.KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = proxypool.KindTimeout
		}
		return nil, &attemptError{kind: kind, err: err}
	}
	switch {
	case resp.Status == http.StatusForbidden || resp.Status == http.StatusTooManyRequests:
		return nil, &attemptError{kind: proxypool.KindBlocked, err: fmt.Errorf("http %d", resp.Status)}
	case resp.Status >= 500:
		return nil, &attemptError{kind: proxypool.KindNetwork, err: fmt.Errorf("http %d", resp.Status)}
	case resp.Status >= 400 && resp.Status != http.StatusNotFound:
		return nil, &attemptError{kind: proxypool.KindNetwork, err: fmt.Errorf("http %d", resp.Status)}
	}
	return resp, nil
}

// acquire picks the endpoint for the next attempt; nil means direct.
func (e *Engine) acquire(ctx context.Context, tried []string) (*proxypool.Endpoint, error) {
	if e.pool == nil || !e.cfg.UseProxy {
		return nil, nil
	}
	ep, err := e.pool.Acquire(tried...)
	if err == nil {
		return ep, nil
	}
	if !errors.Is(err, proxypool.ErrPoolExhausted) {
		return nil, err
	}
	switch e.cfg.OnExhausted {
	case ExhaustedFail:
		return nil, err
	case ExhaustedWait:
		t := time.NewTimer(e.cfg.ExhaustedWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if ep, err := e.pool.Acquire(tried...); err == nil {
			return ep, nil
		}
	}
	e.logger.Info("fetch: proxy pool exhausted, going direct")
	return nil, nil
}

func (e *Engine) reportSuccess(ep *proxypool.Endpoint) {
	if ep != nil && e.pool != nil {
		e.pool.ReportSuccess(ep)
	}
}

func (e *Engine) reportFailure(ep *proxypool.Endpoint, kind proxypool.ErrorKind) {
	if ep != nil && e.pool != nil {
		e.pool.ReportFailure(ep, kind)
	}
}

func (e *Engine) record(ctx context.Context, d store.ScrapeDelta) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordScrape(context.WithoutCancel(ctx), d); err != nil {
		e.logger.Warn("fetch: record scrape stats", "error", err)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func proxyName(ep *proxypool.Endpoint) string {
	if ep == nil {
		return "direct"
	}
	return ep.Address
}
