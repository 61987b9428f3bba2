package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("bad gateway"), 502)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(5), func(_ context.Context) error {
		calls++
		return errors.New("feed: no header row")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	var retries []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	_, err := DoVal(context.Background(), p, func(_ context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if fmt.Sprint(retries) != "[1 2]" {
		t.Errorf("unexpected retry hooks: %v", retries)
	}
}

func TestDoVal_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	_, err := DoVal(ctx, Policy{Attempts: 10, Base: time.Hour}, func(_ context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
		return "", NewTransientError(errors.New("503"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("x"), 500), true},
		{"wrapped explicit", fmt.Errorf("fetch: %w", NewTransientError(errors.New("x"), 429)), true},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"parse", errors.New("csv: wrong number of fields"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestPolicy_BackoffCapped(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	if got := p.Backoff(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: got %s", got)
	}
	if got := p.Backoff(1); got != 200*time.Millisecond {
		t.Errorf("attempt 1: got %s", got)
	}
	if got := p.Backoff(5); got != 300*time.Millisecond {
		t.Errorf("attempt 5: got %s", got)
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	b := NewBreaker("plant.example.com", BreakerConfig{Threshold: 2, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	fail := func(_ context.Context) (int, error) { return 0, NewTransientError(errors.New("503"), 503) }
	ok := func(_ context.Context) (int, error) { return 1, nil }

	for i := 0; i < 2; i++ {
		_, _ = Call(context.Background(), b, fail)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if _, err := Call(context.Background(), b, ok); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if v, err := Call(context.Background(), b, ok); err != nil || v != 1 {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("h", BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, errors.New("xlsx: no sheets")
	})
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestHostBreakers_SharedPerHost(t *testing.T) {
	h := NewHostBreakers(DefaultBreakerConfig())
	a := h.For("https://plant.example.com/a.csv")
	b := h.For("https://plant.example.com/b.csv")
	c := h.For("ftp://carrier.example.com/inv.csv")
	if a != b {
		t.Error("expected same breaker for same host")
	}
	if a == c {
		t.Error("expected different breaker for different host")
	}
	if got := len(h.States()); got != 2 {
		t.Errorf("expected 2 hosts, got %d", got)
	}
	if HostOf("/tmp/feed.csv") != "file" {
		t.Error("local paths should map to the file host")
	}
}

func TestFailed_SchedulesBackoff(t *testing.T) {
	now := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	p := Policy{Attempts: 2, Base: time.Minute, Max: time.Hour, Multiplier: 2}

	e := Failed(nil, "t1", "https://x/feed.csv", context.DeadlineExceeded, p, now)
	if e.Attempts != 1 || e.ErrorType != "transient" || !e.CanRetry() {
		t.Fatalf("unexpected first entry: %+v", e)
	}
	if !e.NextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("next retry: got %s", e.NextRetryAt)
	}

	e = Failed(&e, "t1", "https://x/feed.csv", context.DeadlineExceeded, p, now)
	if e.Attempts != 2 || e.CanRetry() {
		t.Errorf("expected exhausted entry: %+v", e)
	}
	if !e.NextRetryAt.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("next retry: got %s", e.NextRetryAt)
	}
}
