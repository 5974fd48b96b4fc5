package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff is a retry policy: Retries extra attempts, waiting Base, 2*Base,
// 4*Base... capped at Max (0 = uncapped).
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

// Delay is the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base << uint(n)
	if d < b.Base || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// Retry calls fn until it succeeds or the policy is spent. It returns at
// once on caller cancellation, an open circuit and Permanent errors.
func Retry(ctx context.Context, b Backoff, logger *slog.Logger, fn func(context.Context) error) error {
	var err error
	for n := 0; ; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var open *ErrCircuitOpen
		if ctx.Err() != nil || errors.As(err, &open) || IsPermanent(err) || n >= b.Retries {
			return err
		}
		wait := b.Delay(n)
		if logger != nil {
			logger.WarnContext(ctx, "connectivity: retrying", "attempt", n+1, "retries", b.Retries,
				"backoff", wait, "error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
