package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/presence/internal/clock"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

// FakeClock is a manually driven clock.Clock for tests.
//
// Time only moves when AdvanceTo or Advance is called. Timers fire on the
// goroutine that advances the clock, in deadline order, with Now() reporting
// the timer's own deadline while its callback runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	seq   int64
	f     func()
}

// NewFakeClock creates a fake clock starting at start (Epoch if zero).
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock reaches Now()+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop removes the timer if it is still pending.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// AdvanceTo moves the clock to the earliest pending deadline not after target
// and fires every timer due at that instant. It reports true once no timer
// remains due before target, leaving the clock at target.
//
// Callers that need to observe the effects of each firing (for example an
// engine draining its mailbox) loop until AdvanceTo returns true.
func (c *FakeClock) AdvanceTo(target time.Time) bool {
	c.mu.Lock()
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	if len(c.timers) == 0 || c.timers[0].at.After(target) {
		if target.After(c.now) {
			c.now = target
		}
		c.mu.Unlock()
		return true
	}

	at := c.timers[0].at
	if at.After(c.now) {
		c.now = at
	}
	var due []*fakeTimer
	for len(c.timers) > 0 && !c.timers[0].at.After(at) {
		due = append(due, c.timers[0])
		c.timers = c.timers[1:]
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return false
}

// Advance moves the clock forward by d, firing every timer due on the way.
func (c *FakeClock) Advance(d time.Duration) {
	target := c.Now().Add(d)
	for !c.AdvanceTo(target) {
	}
}
