// Package testutil holds small fakes shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic domain.Clock, safe for concurrent readers. Each
// Now advances by Step so successive records get distinct, ordered
// timestamps.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func NewClock() *Clock {
	return &Clock{
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		step:    time.Second,
	}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.current
	c.current = c.current.Add(c.step)
	return t
}

// Advance moves the clock without producing a reading.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}
