// Package proxypool tracks outbound proxies, hands out the least recently
// used healthy one and takes misbehaving ones out of rotation with
// exponential cooldowns.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when no endpoint is eligible.
var ErrPoolExhausted = errors.New("proxypool: no eligible proxy")

// Config tunes failure handling. Zero values take defaults.
type Config struct {
	// FailureThreshold consecutive failures trip an endpoint. Default: 3.
	FailureThreshold int `yaml:"failure_threshold"`
	// BaseCooldown is the first cooldown; each further trip doubles it. Default: 1m.
	BaseCooldown time.Duration `yaml:"base_cooldown"`
	// MaxCooldown caps the doubled cooldown. Default: 30m.
	MaxCooldown time.Duration `yaml:"max_cooldown"`
	// MaxFailureCycles trips retire an endpoint. Default: 5.
	MaxFailureCycles int `yaml:"max_failure_cycles"`
	// RefreshCooldown is the minimum time between provider fetches. Default: 5m.
	RefreshCooldown time.Duration `yaml:"refresh_cooldown"`

	// Now overrides time.Now (tests).
	Now func() time.Time `yaml:"-"`
}

func (c *Config) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = time.Minute
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 30 * time.Minute
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	if c.MaxFailureCycles <= 0 {
		c.MaxFailureCycles = 5
	}
	if c.RefreshCooldown <= 0 {
		c.RefreshCooldown = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// backoff returns base * 2^(cycles-1), capped.
func (c *Config) backoff(cycles int) time.Duration {
	d := c.BaseCooldown
	for i := 1; i < cycles; i++ {
		d *= 2
		if d >= c.MaxCooldown {
			return c.MaxCooldown
		}
	}
	return d
}

// Pool is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	eps         []*endpoint
	byID        map[string]*endpoint
	seq         uint64
	cfg         Config
	provider    Provider
	lastRefresh time.Time
	rejected    string
	logger      *slog.Logger
}

// New creates an empty pool. provider may be nil; Add seeds endpoints
// directly.
func New(cfg Config, provider Provider, logger *slog.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		byID:     make(map[string]*endpoint),
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}
}

// Add inserts endpoints not yet in the pool as Available.
func (p *Pool) Add(eps ...Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range eps {
		if _, ok := p.byID[ep.ID]; ok {
			continue
		}
		e := &endpoint{ep: ep}
		p.eps = append(p.eps, e)
		p.byID[ep.ID] = e
	}
}

// Len returns the number of known endpoints, retired included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.eps)
}

// Acquire returns the least recently used eligible endpoint, preferring
// ones whose ID is not in exclude. It never blocks.
func (p *Pool) Acquire(exclude ...string) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	var best, fallback *endpoint
	for _, e := range p.eps {
		e.tick(now)
		if !e.eligible() {
			continue
		}
		if slices.Contains(exclude, e.ep.ID) {
			if fallback == nil || e.lastUsed < fallback.lastUsed {
				fallback = e
			}
			continue
		}
		if best == nil || e.lastUsed < best.lastUsed {
			best = e
		}
	}
	if best == nil {
		best = fallback
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}
	p.seq++
	best.lastUsed = p.seq
	ep := best.ep
	return &ep, nil
}

// ReportSuccess records a request that went through ep. Unknown endpoints
// (removed by a refresh) are ignored.
func (p *Pool) ReportSuccess(ep *Endpoint) {
	if ep == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[ep.ID]; ok {
		e.succeed()
	}
}

// ReportFailure records a failed request through ep.
func (p *Pool) ReportFailure(ep *Endpoint, kind ErrorKind) {
	if ep == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.byID[ep.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	tripped := e.fail(kind, p.cfg.Now(), &p.cfg)
	health, cycles, until := e.health, e.cycles, e.cooldownUntil
	p.mu.Unlock()

	if tripped {
		p.logger.Warn("proxypool: endpoint tripped",
			"proxy", ep.Address, "kind", string(kind), "health", health.String(),
			"cycles", cycles, "cooldown_until", until)
	}
}

// EndpointStatus is the observable state of one endpoint.
type EndpointStatus struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"`
	Health        string     `json:"health"`
	Cycles        int        `json:"cycles"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Status summarises the pool. Active is false, with a Reason, when no
// request could be routed through a proxy right now.
type Status struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	Failed      int              `json:"failed"`
	CoolingDown int              `json:"cooling_down"`
	Retired     int              `json:"retired"`
	Active      bool             `json:"active"`
	Reason      string           `json:"reason,omitempty"`
	Endpoints   []EndpointStatus `json:"endpoints"`
}

// Status returns a snapshot of every endpoint.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	st := Status{Total: len(p.eps), Endpoints: make([]EndpointStatus, 0, len(p.eps))}
	for _, e := range p.eps {
		e.tick(now)
		switch e.health {
		case Available:
			st.Available++
		case Failed:
			st.Failed++
		case CoolingDown:
			st.CoolingDown++
		case Retired:
			st.Retired++
		}
		es := EndpointStatus{
			ID:            e.ep.ID,
			Address:       e.ep.Address,
			Health:        e.health.String(),
			Cycles:        e.cycles,
			Successes:     e.successes,
			Failures:      e.failures,
			LastErrorKind: string(e.lastKind),
		}
		if e.health == Failed {
			until := e.cooldownUntil
			es.CooldownUntil = &until
		}
		st.Endpoints = append(st.Endpoints, es)
	}

	switch {
	case p.rejected != "":
		st.Reason = p.rejected
	case st.Total == 0:
		st.Reason = "no proxies configured"
	case st.Available+st.CoolingDown == 0:
		st.Reason = "all proxies failed or retired"
	default:
		st.Active = true
	}
	return st
}

// Refresh pulls the endpoint list from the provider, at most once per
// RefreshCooldown unless the pool is empty. Known endpoints keep their
// health; endpoints the provider no longer lists are dropped.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.mu.Lock()
	now := p.cfg.Now()
	fresh := !p.lastRefresh.IsZero() && now.Sub(p.lastRefresh) < p.cfg.RefreshCooldown
	if fresh && len(p.eps) > 0 {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	list, err := p.provider.Endpoints(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRefresh = now
	if err != nil {
		if errors.Is(err, ErrProviderRejected) {
			p.rejected = err.Error()
		}
		return fmt.Errorf("proxypool: refresh: %w", err)
	}
	p.rejected = ""

	eps := make([]*endpoint, 0, len(list))
	byID := make(map[string]*endpoint, len(list))
	for _, ep := range list {
		if _, dup := byID[ep.ID]; dup {
			continue
		}
		e, ok := p.byID[ep.ID]
		if ok {
			e.ep = ep
		} else {
			e = &endpoint{ep: ep}
		}
		eps = append(eps, e)
		byID[ep.ID] = e
	}
	p.eps, p.byID = eps, byID
	p.logger.Info("proxypool: refreshed", "endpoints", len(eps))
	return nil
}

// RunRefresh calls Refresh every interval until ctx is done.
func (p *Pool) RunRefresh(ctx context.Context, interval time.Duration) {
	if p.provider == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("proxypool: periodic refresh", "error", err)
			}
		}
	}
}
