package debounce

import (
	"sync/atomic"
	"time"
)

// Clock hands out epoch-millisecond debounce timestamps that strictly
// increase within the process, so two messages produced in the same
// millisecond still order.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock returns a Clock backed by the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns max(wall millis, previous+1).
func (c *Clock) Now() int64 {
	for {
		prev := c.last.Load()
		next := c.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
