package resource

import (
	"sync"
	"time"
)

// RateLimitConfig configures one sliding-window limiter.
type RateLimitConfig struct {
	// WindowMs is the sliding window length in milliseconds.
	WindowMs int64

	// MaxRequests is the number of requests admitted per window.
	MaxRequests int

	// KeyGenerator, if set, derives the effective key from the request
	// context. Enables per-client or per-tenant limiting from one config.
	KeyGenerator func(ctx map[string]interface{}) string

	// OnLimitReached is invoked with the effective key on every denial.
	OnLimitReached func(key string)
}

// RateLimitResult reports the outcome of an admission check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// rateWindow holds the admitted request timestamps for one key, pruned
// lazily of entries older than the window.
type rateWindow struct {
	timestamps []time.Time
}

// RateLimiter is a sliding-window admission controller keyed by caller key.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Check admits or denies one request for the key under the given config.
// On admission the request timestamp is recorded against the window.
func (rl *RateLimiter) Check(key string, cfg RateLimitConfig, reqCtx map[string]interface{}) RateLimitResult {
	if cfg.KeyGenerator != nil {
		if derived := cfg.KeyGenerator(reqCtx); derived != "" {
			key = derived
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-time.Duration(cfg.WindowMs) * time.Millisecond)

	w, ok := rl.windows[key]
	if !ok {
		w = &rateWindow{}
		rl.windows[key] = w
	}

	// Prune timestamps that fell out of the window.
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	resetTime := now.Add(time.Duration(cfg.WindowMs) * time.Millisecond)
	if len(w.timestamps) > 0 {
		resetTime = w.timestamps[0].Add(time.Duration(cfg.WindowMs) * time.Millisecond)
	}

	if len(w.timestamps) >= cfg.MaxRequests {
		if cfg.OnLimitReached != nil {
			cfg.OnLimitReached(key)
		}
		return RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetTime: resetTime,
		}
	}

	w.timestamps = append(w.timestamps, now)
	return RateLimitResult{
		Allowed:   true,
		Remaining: cfg.MaxRequests - len(w.timestamps),
		ResetTime: resetTime,
	}
}

// Reset clears the window for a key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Clear removes all windows.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows = make(map[string]*rateWindow)
}
