package domtest

import (
	"slices"
	"sync"
	"time"

	"github.com/casualjim/wastewatch/dom"
)

var _ dom.Loop = (*Clock)(nil)

type timer struct {
	seq       int
	at        time.Time
	every     time.Duration
	fn        func()
	cancelled bool
}

// Clock is a manual event loop. Timers only fire from Advance, synchronously
// and in due order.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

// NewClock creates a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements dom.Loop.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements dom.Loop.
func (c *Clock) AfterFunc(d time.Duration, fn func()) dom.Cancel {
	return c.schedule(d, 0, fn)
}

// Every implements dom.Loop.
func (c *Clock) Every(d time.Duration, fn func()) dom.Cancel {
	return c.schedule(d, d, fn)
}

// Pending returns the number of scheduled timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) schedule(d, every time.Duration, fn func()) dom.Cancel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{seq: c.seq, at: c.now.Add(d), every: every, fn: fn}
	c.timers = append(c.timers, t)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		t.cancelled = true
		c.timers = slices.DeleteFunc(c.timers, func(x *timer) bool { return x == t })
	}
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		if next.every > 0 {
			next.at = next.at.Add(next.every)
		} else {
			c.timers = slices.DeleteFunc(c.timers, func(x *timer) bool { return x == next })
		}
		c.mu.Unlock()

		next.fn()
	}
}

// Step advances the clock in increments of step until d has elapsed.
func (c *Clock) Step(d, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		c.Advance(min(step, d-elapsed))
	}
}

func (c *Clock) nextDue(target time.Time) *timer {
	var next *timer
	for _, t := range c.timers {
		if t.cancelled || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}
