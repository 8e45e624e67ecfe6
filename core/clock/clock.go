// Package clock provides the time source shared by the cache, the display
// scheduler and the backend repositories.
//
// Slot freshness and message ordering compare timestamps, so NowUnique
// hands out strictly increasing values even when the underlying clock has
// a coarse resolution or two writes land in the same instant.
package clock

import (
	"sync"
	"time"
)

// Source is anything that can report the current time.
type Source interface {
	Now() time.Time
}

// Clock wraps a time source and adds strictly increasing timestamps.
type Clock struct {
	mu         sync.Mutex
	lastUnique time.Time
	nowFn      func() time.Time // overridable for testing
}

// New creates a Clock backed by the system clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// NewFrom creates a Clock backed by src.
func NewFrom(src Source) *Clock {
	return &Clock{nowFn: src.Now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// Set makes the clock report t and advance with wall time from there.
// Useful when the device learns the time from an external source.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() time.Time {
		return t.Add(time.Since(base))
	}
}

// NowUnique returns a timestamp strictly after every value it returned
// before. If the source has not advanced, the previous value is bumped by
// one nanosecond.
func (c *Clock) NowUnique() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if !t.After(c.lastUnique) {
		c.lastUnique = c.lastUnique.Add(time.Nanosecond)
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}

// Manual is a Source that only moves when told to. It is safe for
// concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Source.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
