package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/beacon"
)

// SnapshotKey is the store key of the persisted presence snapshot.
const SnapshotKey = "presence/snapshot"

const snapshotVersion = 1

// Snapshot is the presence state kept across restarts: the primary beacon
// and the last accepted event, which seeds dedup and throttling.
type Snapshot struct {
	Version   int               `json:"version"`
	Primary   string            `json:"primary,omitempty"`
	LastEvent *attendance.Event `json:"last_event,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// View is a read-only copy of the loop state for status surfaces.
type View struct {
	Primary   string            `json:"primary,omitempty"`
	Beacons   []beacon.State    `json:"beacons"`
	LastEvent *attendance.Event `json:"last_event,omitempty"`
	Timers    int               `json:"pending_timers"`
}

// LoadSnapshot reads the snapshot from the platform store.
// ok is false when none was saved.
func (e *Engine) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if e.platform.Store == nil {
		return Snapshot{}, false, nil
	}
	raw, ok, err := e.platform.Store.Get(ctx, SnapshotKey)
	if err != nil {
		return Snapshot{}, false, &RuntimeError{Code: ErrCodeSnapshot, Message: "load", Err: err}
	}
	if !ok || len(raw) == 0 {
		return Snapshot{}, false, nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, &RuntimeError{Code: ErrCodeSnapshot, Message: "decode", Err: err}
	}
	if s.Version != snapshotVersion {
		return Snapshot{}, false, &RuntimeError{
			Code:    ErrCodeSnapshot,
			Message: fmt.Sprintf("unsupported version %d", s.Version),
		}
	}
	return s, true, nil
}

func (e *Engine) restoreSnapshot(ctx context.Context) error {
	s, ok, err := e.LoadSnapshot(ctx)
	if err != nil || !ok {
		return err
	}
	if s.LastEvent != nil {
		e.gate.Restore(*s.LastEvent)
		if s.LastEvent.Kind == attendance.KindLeft {
			e.leftEmitted[s.LastEvent.BeaconID] = true
		}
	}
	if s.Primary != "" {
		e.selector.Restore(s.Primary)
		e.everPrimary[s.Primary] = true
	}
	e.logger.Info("presence snapshot restored", "primary", s.Primary, "saved_at", s.SavedAt)
	return nil
}

func (e *Engine) saveSnapshot(ctx context.Context) error {
	if e.platform.Store == nil {
		return nil
	}
	s := Snapshot{Version: snapshotVersion, SavedAt: e.clock.Now().UTC()}
	s.Primary, _ = e.selector.Current()
	if last, ok := e.gate.Last(); ok {
		s.LastEvent = &last
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return &RuntimeError{Code: ErrCodeSnapshot, Message: "encode", Err: err}
	}
	if err := e.platform.Store.Set(ctx, SnapshotKey, raw); err != nil {
		return &RuntimeError{Code: ErrCodeSnapshot, Message: "save", Err: err}
	}
	return nil
}

// publishView stores a fresh View for readers on other goroutines.
func (e *Engine) publishView() {
	v := &View{Beacons: e.registry.States()}
	v.Primary, _ = e.selector.Current()
	if last, ok := e.gate.Last(); ok {
		v.LastEvent = &last
	}
	for _, bt := range e.timers {
		if bt.outOfRange != nil {
			v.Timers++
		}
		if bt.absent != nil {
			v.Timers++
		}
	}
	e.view.Store(v)
}
