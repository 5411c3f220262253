package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Guard retries one kind of outbound call and refuses it while the breaker
// is open. A nil *Guard runs the call once.
type Guard struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func New(name string, policy Policy) *Guard {
	g := &Guard{name: name, policy: policy.withDefaults()}
	if g.policy.TripAfter > 0 {
		trip := g.policy.TripAfter
		logger := g.policy.Logger
		g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    name,
			Timeout: g.policy.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return g
}

// Run calls fn until it succeeds, classify stops retrying, or the attempts
// run out. Errors classified as Ignore leave the breaker untouched.
func (g *Guard) Run(ctx context.Context, fn func(context.Context) error, classify Classifier) error {
	if g == nil {
		return fn(ctx)
	}
	if classify == nil {
		classify = func(error) Verdict { return Fail }
	}
	if g.breaker == nil {
		return g.retry(ctx, fn, classify)
	}

	var callErr error
	_, err := g.breaker.Execute(func() (struct{}, error) {
		callErr = g.retry(ctx, fn, classify)
		if callErr != nil && classify(callErr) == Ignore {
			return struct{}{}, nil
		}
		return struct{}{}, callErr
	})
	if err != nil {
		return err
	}
	return callErr
}

func (g *Guard) retry(ctx context.Context, fn func(context.Context) error, classify Classifier) error {
	wait := g.policy.FirstWait
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || attempt >= g.policy.Attempts || classify(err) != Retry {
			return err
		}
		g.policy.Logger.Warn("retry_attempt",
			"operation", g.name,
			"attempt", attempt,
			"max_attempts", g.policy.Attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if !sleep(ctx, wait) {
			return err
		}
		wait = min(wait*2, g.policy.MaxWait)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Call is Run for functions that return a value.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error), classify Classifier) (T, error) {
	var out T
	err := g.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	}, classify)
	return out, err
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
