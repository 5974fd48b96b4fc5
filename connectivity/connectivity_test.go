package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensCoolsAndCloses(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("2captcha", BreakerConfig{Threshold: 3, Cooldown: time.Minute, Probes: 1}, WithClock(clk.now))

	for i := 0; i < 3; i++ {
		if b.State() != Closed {
			t.Fatalf("state after %d failures = %s", i, b.State())
		}
		b.Failure()
	}
	if b.State() != Open || b.Allow() {
		t.Fatalf("state = %s, want open and refusing", b.State())
	}

	clk.advance(time.Minute)
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %s", b.State())
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state after probe = %s", b.State())
	}

	st := b.Stats()
	if st.Trips != 1 || st.Rejected != 1 || st.Failures != 0 || st.OpenedAt == nil || *st.OpenedAt != clk.t.Add(-time.Minute).UnixMilli() {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("2captcha", BreakerConfig{Threshold: 1, Cooldown: time.Second}, WithClock(clk.now))

	b.Failure()
	clk.advance(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s", b.State())
	}
	b.Failure()
	if b.State() != Open || b.Stats().Trips != 2 {
		t.Fatalf("state = %s stats = %+v", b.State(), b.Stats())
	}
}

func TestBreaker_ProbesNeeded(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("2captcha", BreakerConfig{Threshold: 1, Cooldown: time.Second, Probes: 2}, WithClock(clk.now))
	b.Failure()
	clk.advance(time.Second)

	b.Success()
	if b.State() != HalfOpen {
		t.Fatalf("one probe closed the breaker")
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state = %s", b.State())
	}
}

func TestBreaker_Call(t *testing.T) {
	// WHAT: once tripped, Call rejects without invoking fn.
	// WHY: a dead captcha service must not consume every fetch attempt's time.
	b := NewBreaker("2captcha", BreakerConfig{Threshold: 1})
	calls := 0
	fail := func(context.Context) error {
		calls++
		return errors.New("upstream 503")
	}

	if err := b.Call(context.Background(), fail); err == nil {
		t.Fatal("expected error")
	}
	err := b.Call(context.Background(), fail)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Service != "2captcha" {
		t.Fatalf("err = %T %v", err, err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestBreaker_PermanentAndCancelNotCounted(t *testing.T) {
	b := NewBreaker("2captcha", BreakerConfig{Threshold: 1})
	_ = b.Call(context.Background(), func(context.Context) error {
		return Permanent(errors.New("ERROR_WRONG_USER_KEY"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	_ = b.Call(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for n, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		if got := b.Delay(n); got != want {
			t.Errorf("Delay(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestRetry(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Backoff{Retries: 3, Base: time.Millisecond}, nil, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("err = %v attempts = %d", err, attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Backoff{Retries: 2, Base: time.Millisecond}, nil, func(context.Context) error {
		attempts++
		return errors.New("http 502")
	})
	if err == nil || attempts != 3 {
		t.Fatalf("err = %v attempts = %d", err, attempts)
	}
}

func TestRetry_StopsEarly(t *testing.T) {
	sentinel := errors.New("bad key")
	cases := map[string]error{
		"permanent": Permanent(sentinel),
		"open":      &ErrCircuitOpen{Service: "2captcha"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), Backoff{Retries: 5, Base: time.Millisecond}, nil, func(context.Context) error {
				attempts++
				return e
			})
			if err == nil || attempts != 1 {
				t.Fatalf("err = %v attempts = %d", err, attempts)
			}
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, Backoff{Retries: 5, Base: time.Hour}, nil, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("fail")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("err = %v attempts = %d", err, attempts)
	}
}
