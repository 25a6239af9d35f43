package exchange

import (
	"sync"
	"time"
)

// Clock abstracts the engine's notion of now so that the live loop can run
// on wall time while a replay drives the same engine on historical time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// SimClock is a manually advanced clock. Replay sets it to each event's
// timestamp before feeding the event to the engine.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimClock returns a SimClock starting at t.
func NewSimClock(t time.Time) *SimClock {
	return &SimClock{now: t}
}

// Now implements Clock.
func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed but the engine's
// timer queue only fires on forward progress.
func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
