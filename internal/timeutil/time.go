package timeutil

import (
	"sync"
	"time"
)

// Clock supplies monotonic timestamps in nanoseconds. Only differences between
// two readings of the same clock are meaningful.
type Clock interface {
	Now() uint64
}

// MonotonicClock reads the runtime's monotonic clock relative to the moment it
// was created.
type MonotonicClock struct {
	origin time.Time
}

func NewMonotonicClock() MonotonicClock {
	return MonotonicClock{origin: time.Now()}
}

func (c MonotonicClock) Now() uint64 {
	return uint64(time.Since(c.origin))
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu sync.Mutex
	ns uint64
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ns
}

// Set moves the clock to d after its origin.
func (c *ManualClock) Set(d time.Duration) {
	c.mu.Lock()
	c.ns = uint64(d)
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.ns += uint64(d)
	c.mu.Unlock()
}

// Seconds converts a nanosecond duration to seconds.
func Seconds(ns uint64) float64 {
	return time.Duration(ns).Seconds()
}
