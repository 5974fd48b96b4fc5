package captcha

import (
	"context"
	"sync/atomic"

	"github.com/isakskogstad/LoopDesk-sub005/connectivity"
)

// Guarded routes solves through a circuit breaker so a broken or unpaid
// account fails fast instead of stalling every request for the poll
// budget. It also counts outcomes.
type Guarded struct {
	solver  Solver
	breaker *connectivity.Breaker

	solved atomic.Int64
	failed atomic.Int64
}

// NewGuarded wraps s. A nil breaker gets one with default settings.
func NewGuarded(s Solver, breaker *connectivity.Breaker) *Guarded {
	if breaker == nil {
		breaker = connectivity.NewBreaker("2captcha", connectivity.BreakerConfig{})
	}
	return &Guarded{solver: s, breaker: breaker}
}

func (g *Guarded) Solve(ctx context.Context, image string) (string, error) {
	var answer string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		answer, err = g.solver.Solve(ctx, image)
		return err
	})
	if err != nil {
		g.failed.Add(1)
		return "", err
	}
	g.solved.Add(1)
	return answer, nil
}

// Breaker exposes the breaker state for status reporting.
func (g *Guarded) Breaker() *connectivity.Breaker { return g.breaker }

// Counts returns solved and failed totals since start.
func (g *Guarded) Counts() (solved, failed int64) {
	return g.solved.Load(), g.failed.Load()
}
