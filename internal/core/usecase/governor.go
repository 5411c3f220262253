package usecase

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type GovernorConfig struct {
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	// ResultByteBudget <= 0 disables the result size clamp.
	ResultByteBudget int
	ClientIdleTTL    time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Governor enforces per-client rate limits, the request time budget and
// the response byte budget.
type Governor struct {
	cfg GovernorConfig
	now func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ClientIdleTTL <= 0 {
		cfg.ClientIdleTTL = 10 * time.Minute
	}
	return &Governor{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Admit takes one token from the client's bucket. Requests are never queued:
// an empty bucket yields a RateLimitError with the time until the next token.
func (g *Governor) Admit(clientID string) error {
	if g.cfg.RatePerSecond <= 0 {
		return nil
	}
	now := g.now()
	limiter := g.limiter(clientID, now)

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &domain.RateLimitError{ClientID: clientID, RetryAfter: time.Second}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return &domain.RateLimitError{ClientID: clientID, RetryAfter: delay}
	}
	return nil
}

// WithDeadline bounds the rest of the request pipeline.
func (g *Governor) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Timeout)
}

// ClampLimit lowers limit so that limit*maxResultBytes fits the byte budget.
// At least one result is always allowed. The second return reports clamping.
func (g *Governor) ClampLimit(limit, maxResultBytes int) (int, bool) {
	if g.cfg.ResultByteBudget <= 0 || maxResultBytes <= 0 {
		return limit, false
	}
	allowed := g.cfg.ResultByteBudget / maxResultBytes
	if allowed < 1 {
		allowed = 1
	}
	if limit > allowed {
		return allowed, true
	}
	return limit, false
}

func (g *Governor) limiter(clientID string, now time.Time) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) > g.cfg.ClientIdleTTL {
		for id, c := range g.clients {
			if now.Sub(c.lastSeen) > g.cfg.ClientIdleTTL {
				delete(g.clients, id)
			}
		}
		g.lastSweep = now
	}

	c, ok := g.clients[clientID]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)}
		g.clients[clientID] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (g *Governor) trackedClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
