// Package sink surfaces attendance events and their delivery status to the
// surrounding application.
package sink

import (
	"sync"
	"time"

	"github.com/roach88/presence/internal/attendance"
)

// Status is the lifecycle stage a Notification reports.
type Status string

const (
	// StatusAccepted: the event passed the throttle gate and was handed to
	// the dispatcher.
	StatusAccepted Status = "accepted"
	// StatusSynced: the remote service confirmed the event.
	StatusSynced Status = "synced"
	// StatusQueued: delivery failed and the event waits in the offline queue.
	StatusQueued Status = "queued"
	// StatusDropped: the event will never be delivered (bad credentials).
	StatusDropped Status = "dropped"
)

// Notification is one status update for an event.
type Notification struct {
	Event  attendance.Event `json:"event"`
	Status Status           `json:"status"`
	At     time.Time        `json:"at"`
	Error  string           `json:"error,omitempty"`
}

// Sink receives notifications. Publish must not block.
type Sink interface {
	Publish(n Notification)
}

// Nop discards notifications.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(Notification) {}

// Multi fans a notification out to several sinks in order.
type Multi []Sink

// Publish forwards n to every sink.
func (m Multi) Publish(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Publish(n)
		}
	}
}

// Recorder keeps every notification in memory. Used by tests and the harness.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	notes []Notification
}

// Publish appends n.
func (r *Recorder) Publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

// WithStatus returns the recorded events that carried status s, in order.
func (r *Recorder) WithStatus(s Status) []attendance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []attendance.Event
	for _, n := range r.notes {
		if n.Status == s {
			out = append(out, n.Event)
		}
	}
	return out
}
