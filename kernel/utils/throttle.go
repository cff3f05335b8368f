package utils

import (
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Throttle bounds how often a repetitive diagnostic is emitted per key.
// A misbehaving program can produce one diagnostic per token, so per-token
// warnings go through a Throttle instead of straight to the logger.
type Throttle struct {
	limiter    *limiter.TokenBucket
	suppressed map[string]uint64
}

// ThrottleConfig configures a diagnostic throttle
type ThrottleConfig struct {
	PerSecond int64
	Burst     int64
}

// DefaultThrottleConfig allows short bursts and a steady trickle
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		PerSecond: 10,
		Burst:     50,
	}
}

// NewThrottle creates a throttle backed by an in-memory token bucket
func NewThrottle(config ThrottleConfig) (*Throttle, error) {
	bucket, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.PerSecond,
			Duration: time.Second,
			Burst:    config.Burst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, WrapError(err, "create diagnostic throttle")
	}
	return &Throttle{
		limiter:    bucket,
		suppressed: make(map[string]uint64),
	}, nil
}

// Allow reports whether a diagnostic for key may be emitted now. When it
// returns true it also returns how many diagnostics for key were suppressed
// since the last allowed one. A nil Throttle allows everything.
// Not safe for concurrent use; each pipeline worker owns its throttle.
func (t *Throttle) Allow(key string) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	if !t.limiter.Allow(key) {
		t.suppressed[key]++
		return false, 0
	}
	dropped := t.suppressed[key]
	delete(t.suppressed, key)
	return true, dropped
}
