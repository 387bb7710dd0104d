package config

import (
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// AdaptiveTimeout returns the total probe timeout for a target: the base
// value, capped at the ceiling, halved while the scheduler is reprobing
// to confirm a down state. A per-target response-time ceiling tightens
// the budget further (never below one second).
func (c *EnvConfig) AdaptiveTimeout(t *model.Target, rechecking bool) time.Duration {
	d := c.ProbeTimeout
	if t != nil && t.ResponseTimeLimitMs > 0 {
		limit := time.Duration(t.ResponseTimeLimitMs) * time.Millisecond
		// Leave headroom past the target's own ceiling so a slow-but-alive
		// response is still observed and classified, not cut off blind.
		if limit*2 < d {
			d = limit * 2
		}
	}
	if rechecking {
		d /= 2
	}
	if d > c.ProbeTimeoutCeiling {
		d = c.ProbeTimeoutCeiling
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// OptimalBatchSize returns the batch size for a page of n due targets.
func (c *EnvConfig) OptimalBatchSize(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= 50 {
		return n
	}
	size := n / c.MaxParallelBatches()
	if size < 25 {
		size = 25
	}
	if size > 100 {
		size = 100
	}
	return size
}

// DynamicConcurrency returns the per-wave concurrency cap for n targets,
// bounded by MaxConcurrent.
func (c *EnvConfig) DynamicConcurrency(n int) int {
	if n <= 0 {
		return 1
	}
	conc := n / 2
	if conc < 10 {
		conc = 10
	}
	if conc > c.MaxConcurrent {
		conc = c.MaxConcurrent
	}
	return conc
}

// MaxParallelBatches is the number of batch groups allowed to run at once.
func (c *EnvConfig) MaxParallelBatches() int {
	n := (c.MaxConcurrent + 49) / 50
	if n < 1 {
		n = 1
	}
	return n
}

// ShouldDisableTarget reports whether a target has been failing long
// enough (by streak or by wall clock since the first failure) to stop
// probing it.
func (c *EnvConfig) ShouldDisableTarget(t *model.Target, now time.Time) bool {
	if t == nil || t.Disabled {
		return false
	}
	if t.ConsecutiveFailures >= c.DisableAfterFailures {
		return true
	}
	if t.FirstFailureAtMs > 0 && t.ConsecutiveFailures > 0 {
		down := now.Sub(time.UnixMilli(t.FirstFailureAtMs))
		if down >= c.DisableAfterDowntime {
			return true
		}
	}
	return false
}
