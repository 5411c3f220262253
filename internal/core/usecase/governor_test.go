package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGovernor(cfg GovernorConfig) (*Governor, *manualClock) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGovernor(cfg)
	g.now = clock.Now
	return g, clock
}

func TestAdmitRejectsRequestAfterBurst(t *testing.T) {
	g, clock := newTestGovernor(GovernorConfig{RatePerSecond: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		if err := g.Admit("client-a"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i+1, err)
		}
	}
	err := g.Admit("client-a")
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError for request 4, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("RateLimitError must unwrap to ErrRateLimited")
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > 500*time.Millisecond {
		t.Fatalf("expected retry-after within one token interval, got %v", rl.RetryAfter)
	}

	// A rejected request does not consume the next token.
	clock.Advance(500 * time.Millisecond)
	if err := g.Admit("client-a"); err != nil {
		t.Fatalf("expected refill after one interval, got %v", err)
	}
}

func TestAdmitIsPerClient(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{RatePerSecond: 1, Burst: 1})

	if err := g.Admit("a"); err != nil {
		t.Fatalf("Admit(a) error = %v", err)
	}
	if err := g.Admit("a"); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("expected second request from a to be limited, got %v", err)
	}
	if err := g.Admit("b"); err != nil {
		t.Fatalf("client b must have its own bucket: %v", err)
	}
}

func TestAdmitDisabledWithoutRate(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{})
	for i := 0; i < 100; i++ {
		if err := g.Admit("a"); err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if g.trackedClients() != 0 {
		t.Fatalf("disabled governor must not track clients")
	}
}

func TestIdleClientsAreEvicted(t *testing.T) {
	g, clock := newTestGovernor(GovernorConfig{RatePerSecond: 1, Burst: 1, ClientIdleTTL: time.Minute})

	_ = g.Admit("a")
	_ = g.Admit("b")
	if got := g.trackedClients(); got != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", got)
	}

	clock.Advance(2 * time.Minute)
	_ = g.Admit("c")
	if got := g.trackedClients(); got != 1 {
		t.Fatalf("expected idle clients evicted, got %d tracked", got)
	}
}

func TestClampLimitToByteBudget(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{ResultByteBudget: 10_000})

	if limit, truncated := g.ClampLimit(5, 1_000); limit != 5 || truncated {
		t.Fatalf("expected 5 untouched, got %d truncated=%v", limit, truncated)
	}
	if limit, truncated := g.ClampLimit(50, 1_000); limit != 10 || !truncated {
		t.Fatalf("expected clamp to 10, got %d truncated=%v", limit, truncated)
	}
	if limit, truncated := g.ClampLimit(50, 20_000); limit != 1 || !truncated {
		t.Fatalf("expected at least one result, got %d truncated=%v", limit, truncated)
	}

	unlimited, _ := newTestGovernor(GovernorConfig{})
	if limit, truncated := unlimited.ClampLimit(100, 1<<20); limit != 100 || truncated {
		t.Fatalf("disabled budget must not clamp, got %d", limit)
	}
}

func TestWithDeadlineAppliesTimeout(t *testing.T) {
	g, _ := newTestGovernor(GovernorConfig{Timeout: 50 * time.Millisecond})
	ctx, cancel := g.WithDeadline(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("expected deadline")
	}
	if remaining := time.Until(deadline); remaining > 50*time.Millisecond {
		t.Fatalf("deadline too far out: %v", remaining)
	}

	noTimeout, _ := newTestGovernor(GovernorConfig{})
	ctx2, cancel2 := noTimeout.WithDeadline(context.Background())
	defer cancel2()
	if _, ok := ctx2.Deadline(); ok {
		t.Fatalf("expected no deadline when timeout is disabled")
	}
}
