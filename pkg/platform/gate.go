package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMinDelay is the default minimum interval between outbound calls.
	DefaultMinDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the backoff applied after throttling responses.
	DefaultMaxDelay = 60 * time.Second
)

// Gate serializes all outbound platform calls behind a single
// time-since-last-call limiter. Every call in the process passes through
// the same gate, so the minimum interval is a global ordering constraint,
// not a per-channel one.
//
// On a throttling response the delay doubles up to a hard cap. The delay
// never decreases on its own; Reset is for operators and tests.
type Gate struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	delay    time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	lastCall time.Time
}

// NewGate creates a gate with the given minimum inter-call delay and
// backoff cap. Zero values fall back to the defaults.
func NewGate(minDelay, maxDelay time.Duration) *Gate {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = DefaultMaxDelay
	}
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(minDelay), 1),
		delay:    minDelay,
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

// Wait blocks until the next call may be issued or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.lastCall = time.Now()
	g.mu.Unlock()
	return nil
}

// Throttled doubles the current delay up to the cap. Called by the client
// whenever the platform signals rate limiting.
func (g *Gate) Throttled() {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.delay * 2
	if next > g.maxDelay {
		next = g.maxDelay
	}
	if next == g.delay {
		return
	}
	g.delay = next
	g.limiter.SetLimit(rate.Every(next))
}

// Delay returns the current minimum inter-call delay.
func (g *Gate) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

// LastCall returns the time of the most recent gated call.
func (g *Gate) LastCall() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCall
}

// Reset restores the configured minimum delay. The delay never decays at
// runtime, so this is only called by operators and tests.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = g.minDelay
	g.limiter.SetLimit(rate.Every(g.minDelay))
}
