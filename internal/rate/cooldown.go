// Package rate tracks server-signalled rate-limit cooldown windows. The
// orchestrator imposes a window when the backend pushes a rate-limit
// notice; while the window is active, direct sends are suppressed in
// favour of queuing instead of being reported as hard failures.
package rate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
)

// Cooldown tracks a single rate-limit window
type Cooldown struct {
	logger *zap.Logger
	clock  clock.Clock

	mu      sync.RWMutex
	until   time.Time
	imposed int64
}

// NewCooldown creates a cooldown tracker
func NewCooldown(logger *zap.Logger, clk clock.Clock) *Cooldown {
	return &Cooldown{logger: logger, clock: clk}
}

// Impose starts (or extends) a cooldown window of duration d. A shorter
// window never truncates a longer one already in effect.
func (c *Cooldown) Impose(d time.Duration) {
	if d <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.clock.Now().Add(d)
	if until.After(c.until) {
		c.until = until
	}
	c.imposed++

	c.logger.Warn("Rate-limit cooldown imposed",
		zap.Duration("window", d),
		zap.Time("until", c.until))
}

// Active reports whether a cooldown window is currently in effect.
func (c *Cooldown) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Now().Before(c.until)
}

// Remaining returns how long the current window still has to run, or zero.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	remaining := c.until.Sub(c.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear ends any active window immediately.
func (c *Cooldown) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = time.Time{}
}

// ImposedCount returns how many windows have been imposed since creation.
func (c *Cooldown) ImposedCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.imposed
}
