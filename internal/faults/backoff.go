package faults

import (
	"math"
	"math/rand"
	"time"
)

// RetryDelay computes the delay before retry attempt n (0-indexed) under
// the config's strategy, clamped at MaxDelay. Jitter adds a uniform
// [0, 1000) ms offset on top of the clamped delay.
func RetryDelay(cfg RetryConfig, attempt int) time.Duration {
	var delay time.Duration

	switch cfg.Strategy {
	case BackoffLinear:
		delay = cfg.InitialDelay + time.Duration(attempt)*time.Duration(cfg.Multiplier*1000)*time.Millisecond
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	case BackoffFixed:
		delay = cfg.InitialDelay
	default: // exponential
		scaled := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
		if scaled > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(scaled)
		}
	}

	if cfg.jittered() {
		delay += time.Duration(rand.Int63n(1000)) * time.Millisecond
	}

	return delay
}
