package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PacingLimiter smooths the rate of outbound PlatformClient calls per
// repository so that a single cycle's burst of list/get calls doesn't spend
// the whole quota window at once. It complements the Governor's
// quota-window admission: the Governor decides whether the budget allows
// more calls at all, PacingLimiter decides how fast to make them. A
// per-key token bucket, one rate.Limiter per repository, so a noisy
// repository's burst never throttles a quiet one.
type PacingLimiter struct {
	mu       sync.Mutex
	r        rate.Limit
	b        int
	limiters map[string]*rate.Limiter
}

// NewPacingLimiter creates a limiter allowing r events per second with burst
// b, tracked independently per repository key.
func NewPacingLimiter(r float64, b int) *PacingLimiter {
	return &PacingLimiter{
		r:        rate.Limit(r),
		b:        b,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the given repository's bucket has a token available or
// the context is canceled.
func (p *PacingLimiter) Wait(ctx context.Context, repoFullName string) error {
	return p.limiterFor(repoFullName).Wait(ctx)
}

func (p *PacingLimiter) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.r, p.b)
		p.limiters[key] = l
	}
	return l
}
