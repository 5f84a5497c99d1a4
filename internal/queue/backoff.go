package queue

import "time"

// BackoffConfig parameterizes the retry delay curve. The delay grows
// exponentially with the retry count and is bounded by Max; the exact
// constants are operational tuning values.
type BackoffConfig struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// DefaultBackoffConfig returns the backoff curve used when the caller does
// not configure one: 30s, 1m, 2m, ... capped at 30m.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: 30 * time.Second,
		Factor:  2.0,
		Max:     30 * time.Minute,
	}
}

// Delay returns the wait before the given retry attempt, counted from 1.
// The first retry waits Initial; each further attempt multiplies by Factor.
// The curve is monotonically non-decreasing and bounded by Max.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	initial := c.Initial
	if initial <= 0 {
		initial = 30 * time.Second
	}
	factor := c.Factor
	if factor < 1 {
		factor = 2.0
	}
	max := c.Max
	if max <= 0 {
		max = 30 * time.Minute
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
