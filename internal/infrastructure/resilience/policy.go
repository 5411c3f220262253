package resilience

import (
	"log/slog"
	"time"
)

// Verdict says how a guard treats a failed call.
type Verdict int

const (
	// Ignore hands the error back untouched; the breaker does not see it.
	Ignore Verdict = iota
	// Fail counts against the breaker and is not retried.
	Fail
	// Retry counts against the breaker and is tried again while attempts remain.
	Retry
)

type Classifier func(error) Verdict

// Policy bounds the retries of one guard. Waits double from FirstWait up to
// MaxWait. TripAfter consecutive failed runs open the breaker for Cooldown;
// zero disables the breaker.
type Policy struct {
	Attempts  int
	FirstWait time.Duration
	MaxWait   time.Duration
	TripAfter uint32
	Cooldown  time.Duration
	Logger    *slog.Logger
}

// Local suits dependencies on the same host or network: three attempts
// within half a second.
func Local() Policy {
	return Policy{
		Attempts:  3,
		FirstWait: 100 * time.Millisecond,
		MaxWait:   400 * time.Millisecond,
		TripAfter: 5,
		Cooldown:  30 * time.Second,
	}
}

// OneRetry is Local with a single retry, for calls a user is waiting on.
func OneRetry() Policy {
	p := Local()
	p.Attempts = 2
	p.MaxWait = p.FirstWait
	return p
}

func (p Policy) withDefaults() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.MaxWait < p.FirstWait {
		p.MaxWait = p.FirstWait
	}
	if p.Cooldown <= 0 {
		p.Cooldown = Local().Cooldown
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}
