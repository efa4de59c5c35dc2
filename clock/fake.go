package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests.
//
// Callbacks never fire on their own: Advance runs every callback whose
// deadline falls inside the advanced window, in deadline order, on the
// calling goroutine. Callbacks may schedule further timers; those fire in
// the same Advance call if they are due.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	c        *FakeClock
	id       uint64
	deadline time.Time
	f        func()
	done     bool
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.nextID++
	t := &fakeTimer{
		c:        c,
		id:       c.nextID,
		deadline: c.now.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due callbacks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.popDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		c.mu.Unlock()
		t.f()
	}
}

// Pending returns the number of scheduled, not yet fired timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextDeadline returns the delay until the earliest pending timer.
func (c *FakeClock) NextDeadline() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return 0, false
	}
	c.sortLocked()
	return c.timers[0].deadline.Sub(c.now), true
}

func (c *FakeClock) popDueLocked(target time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	c.sortLocked()
	t := c.timers[0]
	if t.deadline.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	t.done = true
	return t
}

func (c *FakeClock) sortLocked() {
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].id < c.timers[j].id
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range t.c.timers {
		if other == t {
			t.c.timers = append(t.c.timers[:i], t.c.timers[i+1:]...)
			break
		}
	}
	return true
}
