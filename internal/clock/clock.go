// Package clock abstracts wall time and one-shot timers for the engine.
//
// Every timer in the presence engine (out-of-range, absent, sweep, retry) is
// created through a Clock so tests can drive time deterministically with
// testutil.FakeClock instead of sleeping.
package clock

import "time"

// Clock provides the current time and one-shot timers.
//
// Thread-safety: implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (or, for fake clocks, on the
	// goroutine advancing time) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was already stopped.
	Stop() bool
}

// Real is the Clock backed by package time.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
