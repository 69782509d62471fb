package engine

import (
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/sink"
	"github.com/roach88/presence/internal/source"
	"github.com/roach88/presence/internal/store"
)

// Platform is what a host environment supplies to the engine.
//
// Every field is optional: a nil Source means observations arrive only via
// Engine.Observe, a nil Store disables snapshot persistence, and nil Sink and
// WakeLock default to no-ops.
type Platform struct {
	Source   source.Source
	Store    store.KV
	Sink     sink.Sink
	WakeLock WakeLock
}

// WakeLock keeps the host awake while the engine scans.
type WakeLock interface {
	Acquire() error
	Release()
}

// NopWakeLock does nothing.
type NopWakeLock struct{}

// Acquire implements WakeLock.
func (NopWakeLock) Acquire() error { return nil }

// Release implements WakeLock.
func (NopWakeLock) Release() {}

// Dispatcher receives accepted events. Dispatch must not block the caller.
type Dispatcher interface {
	Dispatch(ev attendance.Event)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ev attendance.Event)

// Dispatch calls f(ev).
func (f DispatchFunc) Dispatch(ev attendance.Event) {
	f(ev)
}
