package security

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig defines the sliding-window rate limit.
// Valid values:
//   - MaxRequests: must be > 0
//   - Window: must be > 0
type RateLimitConfig struct {
	// MaxRequests is the maximum number of requests allowed inside the
	// trailing window before further requests are rejected.
	MaxRequests int
	// Window is the width of the trailing window.
	Window time.Duration
}

// DefaultRateLimit is the stock limit of 100 requests per minute.
var DefaultRateLimit = RateLimitConfig{
	MaxRequests: 100,
	Window:      time.Minute,
}

// Limiter decides whether a hashed identifier has exceeded the request
// rate. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records one request for the identifier and reports whether it
	// is still within the limit. Returns false when the request pushes the
	// identifier over the configured maximum.
	Allow(ctx context.Context, id string) bool
}

// window holds the request timestamps observed for one identifier inside
// the trailing window. Pruned lazily on each check.
type window struct {
	timestamps []time.Time
}

// SlidingWindowLimiter is an in-memory strictly-sliding rate limiter.
// Unlike a fixed-bucket counter it never under-counts across window
// boundaries. State is per-instance and resets on restart.
type SlidingWindowLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	windows map[string]*window

	// opportunistic cleanup bookkeeping
	lastCleanup time.Time
	now         func() time.Time
}

// cleanupEvery bounds how often the full-map idle sweep runs.
const cleanupEvery = 5 * time.Minute

// NewSlidingWindowLimiter creates an in-memory sliding-window limiter.
// A zero config falls back to DefaultRateLimit.
func NewSlidingWindowLimiter(config RateLimitConfig) *SlidingWindowLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultRateLimit.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimit.Window
	}
	return &SlidingWindowLimiter{
		config:  config,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(_ context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	w, ok := l.windows[id]
	if !ok {
		w = &window{}
		l.windows[id] = w
	}

	// Drop timestamps that fell out of the trailing window.
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = append(kept, now)

	l.maybeCleanup(now, cutoff)

	return len(w.timestamps) <= l.config.MaxRequests
}

// maybeCleanup evicts identifiers with no requests inside the window.
// Runs at most once per cleanupEvery so distributed scans cannot grow the
// map without bound. Caller must hold l.mu.
func (l *SlidingWindowLimiter) maybeCleanup(now time.Time, cutoff time.Time) {
	if now.Sub(l.lastCleanup) < cleanupEvery {
		return
	}
	l.lastCleanup = now

	for id, w := range l.windows {
		idle := true
		for _, ts := range w.timestamps {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.windows, id)
		}
	}
}

// Size returns the number of tracked identifiers. Intended for tests and
// metrics.
func (l *SlidingWindowLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
