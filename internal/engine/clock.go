package engine

import (
	"sync"
	"time"
)

// activityClock is the shared last-output timestamp for one invocation.
// Both pumps touch it on every non-empty read; the supervisor reads it to
// evaluate the no-output timeout. The lock is held only for the read or
// write of the timestamp, never across I/O.
type activityClock struct {
	mu   sync.Mutex
	last time.Time
}

func newActivityClock() *activityClock {
	return &activityClock{last: time.Now()}
}

// Touch records that output was just observed. Last-writer-wins.
func (c *activityClock) Touch() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

// SinceLast returns the elapsed time since output was last observed.
func (c *activityClock) SinceLast() time.Duration {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	return time.Since(last)
}
