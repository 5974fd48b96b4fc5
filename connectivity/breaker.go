// Package connectivity guards calls to paid or flaky collaborators (the
// captcha solver, the proxy provider) with a circuit breaker and a
// backoff retry.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a breaker position.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls rejected until the cooldown ends
	HalfOpen              // probe calls decide
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "closed"
}

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	// Threshold is the consecutive failures that open the breaker. Default: 5.
	Threshold int `yaml:"threshold"`
	// Cooldown is how long an open breaker rejects calls. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
	// Probes is the half-open successes needed to close. Default: 2.
	Probes int `yaml:"probes"`
}

func (c *BreakerConfig) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
}

// BreakerStats is a point-in-time view for status endpoints. OpenedAt is
// unix ms of the last trip.
type BreakerStats struct {
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
	Trips    int64  `json:"trips"`
	Rejected int64  `json:"rejected"`
	OpenedAt *int64 `json:"opened_at,omitempty"`
}

// Breaker trips after consecutive failures of one service. Safe for
// concurrent use.
type Breaker struct {
	service string
	cfg     BreakerConfig
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time
	trips    int64
	rejected int64
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

func WithClock(fn func() time.Time) BreakerOption { return func(b *Breaker) { b.now = fn } }

// WithLogger logs every state change.
func WithLogger(l *slog.Logger) BreakerOption { return func(b *Breaker) { b.logger = l } }

// NewBreaker returns a closed breaker for service.
func NewBreaker(service string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	cfg.defaults()
	b := &Breaker{service: service, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current position, moving open to half-open when the
// cooldown has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	return b.state
}

// Stats returns the counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	st := BreakerStats{State: b.state.String(), Failures: b.failures, Trips: b.trips, Rejected: b.rejected}
	if !b.openedAt.IsZero() {
		ms := b.openedAt.UnixMilli()
		st.OpenedAt = &ms
	}
	return st
}

// Allow reports whether a call may proceed; a refusal is counted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	if b.state == Open {
		b.rejected++
		return false
	}
	return true
}

// Success records a call that worked.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	b.failures = 0
	if b.state != HalfOpen {
		return
	}
	b.probes++
	if b.probes >= b.cfg.Probes {
		b.move(Closed)
	}
}

// Failure records a call that failed remotely. A failed probe reopens at
// once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	b.failures++
	switch {
	case b.state == HalfOpen, b.state == Closed && b.failures >= b.cfg.Threshold:
		b.openedAt = b.now()
		b.trips++
		b.move(Open)
	}
}

// Reset closes the breaker and clears the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.move(Closed)
}

// Call runs fn through the breaker. An open breaker returns
// *ErrCircuitOpen without calling fn. Caller cancellation and Permanent
// errors say nothing about the service's health and are not counted.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return &ErrCircuitOpen{Service: b.service}
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil, IsPermanent(err):
	default:
		b.Failure()
	}
	return err
}

// cool needs mu held.
func (b *Breaker) cool() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.move(HalfOpen)
	}
}

// move needs mu held.
func (b *Breaker) move(to State) {
	if b.state == to {
		return
	}
	if b.logger != nil {
		b.logger.Info("connectivity: breaker state", "service", b.service,
			"from", b.state.String(), "to", to.String(), "failures", b.failures)
	}
	b.state = to
	b.probes = 0
}
