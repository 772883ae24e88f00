package clock

import (
	"sync"
	"time"
)

// SteppingClock advances virtual time instantly: Sleep returns at once and
// After fires immediately, both moving Now forward by d. Every requested
// duration is recorded so tests can assert on cadence without waiting.
type SteppingClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
}

func Stepping(initial time.Time) *SteppingClock {
	return &SteppingClock{current: initial}
}

func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SteppingClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	c.sleeps = append(c.sleeps, d)
	return c.current
}

func (c *SteppingClock) Sleep(d time.Duration) {
	c.advance(d)
}

func (c *SteppingClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.advance(d)
	return ch
}

// Sleeps returns a copy of every duration passed to Sleep or After.
func (c *SteppingClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
