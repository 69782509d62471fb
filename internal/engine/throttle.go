package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/presence/internal/attendance"
)

// DefaultThrottleInterval is the minimum spacing between accepted events.
const DefaultThrottleInterval = 20 * time.Second

// RejectReason explains why the Gate rejected an event.
type RejectReason string

const (
	// ReasonDuplicate: same beacon and kind as the last accepted event.
	ReasonDuplicate RejectReason = "duplicate"
	// ReasonThrottled: less than the interval since the last accepted event.
	ReasonThrottled RejectReason = "throttled"
)

// Gate rate-limits and deduplicates outbound attendance events.
//
// The window is global: one "last accepted" timestamp for all beacons and
// kinds. A left for one beacon can therefore be suppressed by a present for
// another accepted moments before.
//
// Rejected events are dropped by the caller. The gate is a rate limiter, not
// a reliability mechanism.
//
// Not safe for concurrent use; owned by the engine loop.
type Gate struct {
	interval time.Duration
	last     attendance.Event
	has      bool
}

// NewGate creates a gate with the given minimum spacing.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Admit checks ev against the last accepted event. On acceptance ev becomes
// the new last accepted event and nil is returned. Otherwise a
// *RejectedError is returned and the gate is unchanged.
//
// Spacing is measured on event timestamps, so a restored gate keeps
// throttling across restarts.
func (g *Gate) Admit(ev attendance.Event) error {
	if g.has {
		if ev.BeaconID == g.last.BeaconID && ev.Kind == g.last.Kind {
			return &RejectedError{Event: ev, Reason: ReasonDuplicate, Last: g.last}
		}
		if since := ev.Timestamp.Sub(g.last.Timestamp); since < g.interval {
			return &RejectedError{Event: ev, Reason: ReasonThrottled, Last: g.last, Since: since}
		}
	}
	g.last = ev
	g.has = true
	return nil
}

// Last returns the last accepted event.
func (g *Gate) Last() (attendance.Event, bool) {
	return g.last, g.has
}

// Restore seeds the gate with a previously accepted event.
func (g *Gate) Restore(ev attendance.Event) {
	g.last = ev
	g.has = true
}

// Interval returns the minimum spacing.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// RejectedError is returned by Gate.Admit for a rejected event.
type RejectedError struct {
	Event  attendance.Event
	Reason RejectReason
	Last   attendance.Event
	Since  time.Duration
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e.Reason == ReasonThrottled {
		return fmt.Sprintf("event %s rejected: %s (%s since %s)", e.Event, e.Reason, e.Since, e.Last)
	}
	return fmt.Sprintf("event %s rejected: %s of %s", e.Event, e.Reason, e.Last)
}

// RejectionReason returns the reason carried by a RejectedError, or "".
func RejectionReason(err error) RejectReason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
