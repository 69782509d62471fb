// Package beacon holds the per-beacon state table and primary beacon election.
//
// Neither Registry nor Selector is safe for concurrent use: both are owned by
// the engine's single-writer loop, which serializes every observation and
// timer firing before touching them.
package beacon

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultRSSIThreshold is the signal strength (dBm) at or above which a beacon
// counts as in range.
const DefaultRSSIThreshold = -75

// Valid RSSI bounds. Readings outside are treated as malformed.
const (
	MinRSSI = -127
	MaxRSSI = 0
)

// Observation is a single sighting reported by the scanning source.
type Observation struct {
	ID     string    `json:"id" yaml:"id"`
	Name   string    `json:"name,omitempty" yaml:"name,omitempty"`
	RSSI   int       `json:"rssi" yaml:"rssi"`
	SeenAt time.Time `json:"seen_at" yaml:"seen_at"`
}

// Validate reports why an observation cannot be ingested, if it cannot.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("observation: empty beacon id")
	}
	if o.RSSI < MinRSSI || o.RSSI > MaxRSSI {
		return fmt.Errorf("observation %s: rssi %d outside [%d, %d]", o.ID, o.RSSI, MinRSSI, MaxRSSI)
	}
	return nil
}

// NormalizeID canonicalizes a beacon identifier. Hardware addresses and
// platform UUIDs arrive in mixed case depending on the scanning stack.
func NormalizeID(id string) string {
	return strings.ToUpper(norm.NFC.String(strings.TrimSpace(id)))
}

// State is the last known state of one beacon.
type State struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
	InRange  bool      `json:"in_range"`

	// LastInRange is the time of the most recent observation at or above
	// the threshold. Zero if the beacon has never been in range.
	LastInRange time.Time `json:"last_in_range,omitempty"`
}
