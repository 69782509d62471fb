// Package attendance defines attendance events and their wire format.
package attendance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the presence transition an event reports.
type Kind string

const (
	KindPresent Kind = "present"
	KindLeft    Kind = "left"
	KindAbsent  Kind = "absent"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPresent, KindLeft, KindAbsent:
		return true
	}
	return false
}

// TimestampLayout is the wire layout for event timestamps (ISO-8601, UTC,
// second precision).
const TimestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Event is one attendance transition for a student at a beacon.
type Event struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	BeaconID  string    `json:"beacon_id"`
	Kind      Kind      `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	RSSI      *int      `json:"rssi,omitempty"`
	Synced    bool      `json:"synced"`
}

// String renders the event for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)@%s", e.Kind, e.BeaconID, FormatTimestamp(e.Timestamp))
}

// Wire is the mark-attendance request body.
type Wire struct {
	StudentID string `json:"student_id"`
	BeaconID  string `json:"beacon_id"`
	Event     Kind   `json:"event"`
	Timestamp string `json:"timestamp"`
}

// Wire converts the event to its request body.
func (e Event) Wire() Wire {
	return Wire{
		StudentID: e.StudentID,
		BeaconID:  e.BeaconID,
		Event:     e.Kind,
		Timestamp: FormatTimestamp(e.Timestamp),
	}
}

// MarshalJSON stores the timestamp in UTC with full precision. Only Wire
// truncates to seconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{plain: plain(e), Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano)})
}

// UnmarshalJSON is the inverse of MarshalJSON. Second-precision timestamps
// are accepted too.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var aux struct {
		plain
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: timestamp: %w", aux.ID, err)
	}
	if !aux.Kind.Valid() {
		return fmt.Errorf("event %s: unknown kind %q", aux.ID, aux.Kind)
	}
	*e = Event(aux.plain)
	e.Timestamp = ts.UTC()
	return nil
}
