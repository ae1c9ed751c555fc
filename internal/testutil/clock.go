package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a DeterministicClock: noon TAI on
// 2024-03-15, the start of day_obs 20240315.
var Epoch = time.Date(2024, 3, 15, 11, 59, 23, 0, time.UTC)

// DeterministicClock is a wall clock for tests that advances by a fixed
// step on every Now call, so consecutive revisions get distinct,
// predictable date_added values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewDeterministicClock creates a clock starting at Epoch with a one
// second step. The first call to Now returns Epoch.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Epoch, time.Second)
}

// NewDeterministicClockAt creates a clock starting at start.
// A zero step freezes the clock.
func NewDeterministicClockAt(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start.UTC(), now: start.UTC(), step: step}
}

// Now returns the current time and then advances by the step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the time the next Now call will return.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without consuming a tick.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
