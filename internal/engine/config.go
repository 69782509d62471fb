package engine

import (
	"fmt"
	"time"

	"github.com/roach88/presence/internal/beacon"
)

// Default timings.
const (
	DefaultOutOfRangeTimeout = 20 * time.Second
	DefaultAbsentTimeout     = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Second
)

// Config holds the engine tunables.
type Config struct {
	// StudentID is stamped on every emitted event.
	StudentID string

	// RSSIThreshold is the signal (dBm) at or above which a beacon is in range.
	RSSIThreshold int

	// OutOfRangeTimeout is how long a beacon may stay below the threshold,
	// counted from its last in-range observation, before left is emitted.
	OutOfRangeTimeout time.Duration

	// AbsentTimeout is how long a beacon may go unseen before absent is
	// emitted and its state removed.
	AbsentTimeout time.Duration

	// SweepInterval is the period of the staleness sweep.
	SweepInterval time.Duration

	// ThrottleInterval is the minimum spacing between accepted events.
	ThrottleInterval time.Duration
}

// DefaultConfig returns the stock timings with no student id.
func DefaultConfig() Config {
	return Config{
		RSSIThreshold:     beacon.DefaultRSSIThreshold,
		OutOfRangeTimeout: DefaultOutOfRangeTimeout,
		AbsentTimeout:     DefaultAbsentTimeout,
		SweepInterval:     DefaultSweepInterval,
		ThrottleInterval:  DefaultThrottleInterval,
	}
}

// Validate checks the durations and threshold.
func (c Config) Validate() error {
	if c.RSSIThreshold < beacon.MinRSSI || c.RSSIThreshold > beacon.MaxRSSI {
		return fmt.Errorf("rssi threshold %d outside [%d, %d]", c.RSSIThreshold, beacon.MinRSSI, beacon.MaxRSSI)
	}
	for name, d := range map[string]time.Duration{
		"out-of-range timeout": c.OutOfRangeTimeout,
		"absent timeout":       c.AbsentTimeout,
		"sweep interval":       c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ThrottleInterval < 0 {
		return fmt.Errorf("throttle interval must not be negative, got %s", c.ThrottleInterval)
	}
	return nil
}
