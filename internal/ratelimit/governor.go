// Package ratelimit implements a shared, thread-safe view of the remote
// platform's API quota that gates admission for every PlatformClient
// caller.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the Governor's tunables, sourced from the
// rate.buffer / rate.throttle_threshold / rate.throttle_factor options.
type Config struct {
	// Buffer is the minimum remaining-quota headroom below which acquire
	// stops admitting new calls. Default 100.
	Buffer int
	// ThrottleThreshold is the usage fraction (0-1) above which every
	// delay_hint is multiplied by ThrottleFactor. Default 0.8.
	ThrottleThreshold float64
	// ThrottleFactor multiplies delay_hint once usage exceeds
	// ThrottleThreshold. Default 2.
	ThrottleFactor float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:            100,
		ThrottleThreshold: 0.8,
		ThrottleFactor:    2,
	}
}

// Governor tracks a single running view of the remote API quota and gates
// admission for callers. It never fails. Before the first Observe, Acquire
// admits every request; after that it decides from the most recent
// observation, whether or not that observation's reset time has passed.
type Governor struct {
	cfg Config

	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	seeded    bool
}

// New creates a Governor with the given config. A zero Config is replaced
// field-by-field with DefaultConfig's values where the caller left them at
// the zero value, so callers can pass a partially-filled Config.
func New(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = def.ThrottleThreshold
	}
	if cfg.ThrottleFactor <= 0 {
		cfg.ThrottleFactor = def.ThrottleFactor
	}
	return &Governor{cfg: cfg}
}

// Snapshot is the read-only view returned by Governor.Snapshot.
type Snapshot struct {
	Remaining     int
	ResetAt       time.Time
	UsageFraction float64
}

// Observe records the platform's reported quota state after a round-trip.
// It is the only way remaining/limit/reset_at are updated; acquire never
// consults the platform directly.
func (g *Governor) Observe(remaining, limit int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = remaining
	g.limit = limit
	g.resetAt = resetAt
	g.seeded = true
}

// Acquire admits a caller requesting the given weight (an estimate of how
// many platform calls the operation will make), or denies it with a
// delay_hint. Boundary behavior: remaining == buffer denies; remaining ==
// buffer+1 admits.
func (g *Governor) Acquire(weight int) (admitted bool, delayHint time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seeded {
		// No observation yet: admit, so the round-trip can return the
		// headers that seed this view.
		return true, 0
	}

	_ = weight // admission depends only on remaining vs buffer.
	if g.remaining <= g.cfg.Buffer {
		delay := time.Until(g.resetAt)
		if delay < 0 {
			delay = 0
		}
		if g.usageFraction() > g.cfg.ThrottleThreshold {
			delay = time.Duration(float64(delay) * g.cfg.ThrottleFactor)
		}
		return false, delay
	}

	return true, 0
}

// Snapshot returns the Governor's current view for observability (the
// /health endpoint).
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Remaining:     g.remaining,
		ResetAt:       g.resetAt,
		UsageFraction: g.usageFraction(),
	}
}

// usageFraction must be called with mu held.
func (g *Governor) usageFraction() float64 {
	if g.limit <= 0 {
		return 0
	}
	used := g.limit - g.remaining
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(g.limit)
}
