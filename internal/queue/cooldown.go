package queue

import (
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
)

// Cooldown spaces operations against the same resource key by a minimum window.
// It is owned by the dispatcher and only touched from inside a dispatch cycle.
type Cooldown struct {
	window time.Duration
	last   map[string]time.Time
}

// NewCooldown creates a gate with the given spacing. A zero window disables it.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[string]time.Time)}
}

// Eligible reports whether the job's resource key is outside its cooldown window.
func (c *Cooldown) Eligible(job *models.Job, now time.Time) bool {
	t, ok := c.last[job.CooldownKey()]
	return !ok || now.Sub(t) >= c.window
}

// Admit stamps the job's resource key as used at now.
func (c *Cooldown) Admit(job *models.Job, now time.Time) {
	if c.window <= 0 {
		return
	}
	c.last[job.CooldownKey()] = now
}

// Prune forgets keys whose window has elapsed.
func (c *Cooldown) Prune(now time.Time) {
	for k, t := range c.last {
		if now.Sub(t) >= c.window {
			delete(c.last, k)
		}
	}
}

// Active returns the number of keys still cooling down.
func (c *Cooldown) Active() int {
	return len(c.last)
}
