package engine

import (
	"context"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/beacon"
	"github.com/roach88/presence/internal/sink"
)

// handleObservation ingests one sighting and applies its consequences:
// the beacon's absent timer is cancelled, its out-of-range timer is armed or
// cancelled, and the primary beacon is recomputed.
func (e *Engine) handleObservation(ctx context.Context, obs beacon.Observation) error {
	obs.ID = beacon.NormalizeID(obs.ID)
	if err := obs.Validate(); err != nil {
		e.metrics.Ignored("malformed")
		return NewMalformedObservationError(obs.ID, err)
	}
	if obs.SeenAt.IsZero() {
		obs.SeenAt = e.clock.Now()
	}
	obs.SeenAt = obs.SeenAt.UTC()

	res, ok := e.registry.Ingest(obs)
	if !ok {
		e.metrics.Ignored("stale")
		e.logger.Debug("out-of-order observation dropped",
			"beacon", obs.ID, "seen_at", obs.SeenAt, "last_seen", res.State.LastSeen)
		return nil
	}
	e.metrics.Observation()

	e.cancel(obs.ID, msgAbsent)

	switch {
	case res.State.InRange:
		e.cancel(obs.ID, msgOutOfRange)
	case res.Transition == beacon.TransitionExited:
		deadline := res.State.LastInRange.Add(e.cfg.OutOfRangeTimeout)
		e.arm(obs.ID, msgOutOfRange, deadline.Sub(e.clock.Now()))
	}

	if res.Transition != beacon.TransitionNone {
		e.logger.Debug("beacon range changed",
			"beacon", obs.ID, "rssi", obs.RSSI, "in_range", res.State.InRange)
	}

	e.applyChange(ctx, e.selector.Recompute(e.registry))
	return nil
}

// applyChange emits the transitions implied by a primary beacon change.
//
// Losing the primary without a successor emits nothing here: the beacon's
// out-of-range or absent timer reports it.
func (e *Engine) applyChange(ctx context.Context, ch beacon.Change) {
	if !ch.Changed() {
		return
	}
	e.logger.Info("primary beacon changed", "from", ch.Old, "to", ch.New)

	if ch.New == "" {
		return
	}
	if ch.Old != "" {
		e.emitLeft(ctx, ch.Old)
	}
	e.everPrimary[ch.New] = true
	e.emit(ctx, ch.New, attendance.KindPresent)
}

// handleOutOfRange emits left for a beacon still below the threshold when
// its timer expires, if it is or was primary and has no left outstanding.
func (e *Engine) handleOutOfRange(ctx context.Context, id string, gen uint64) {
	if !e.claim(id, msgOutOfRange, gen) {
		return
	}
	st, ok := e.registry.Get(id)
	if !ok || st.InRange {
		return
	}
	if !e.everPrimary[id] {
		e.logger.Debug("out-of-range timeout for non-primary beacon", "beacon", id)
		return
	}
	e.emitLeft(ctx, id)
}

// handleSweep re-arms the sweep and schedules an absent timer for every
// beacon quiet for at least one sweep interval. The timer is due
// AbsentTimeout after the beacon was last seen.
func (e *Engine) handleSweep() {
	e.armSweep()

	now := e.clock.Now()
	for _, st := range e.registry.Sweep(now, e.cfg.SweepInterval) {
		deadline := st.LastSeen.Add(e.cfg.AbsentTimeout)
		e.arm(st.ID, msgAbsent, deadline.Sub(now))
	}
}

// handleAbsent removes a beacon that stayed silent for AbsentTimeout and
// emits absent for it. If it was primary the selector is recomputed, which
// may elect and announce a successor.
func (e *Engine) handleAbsent(ctx context.Context, id string, gen uint64) {
	if !e.claim(id, msgAbsent, gen) {
		return
	}
	st, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if e.clock.Now().Sub(st.LastSeen) < e.cfg.AbsentTimeout {
		return
	}

	e.emit(ctx, id, attendance.KindAbsent)

	e.cancel(id, msgOutOfRange)
	e.registry.Remove(id)
	delete(e.everPrimary, id)
	delete(e.leftEmitted, id)
	e.logger.Info("beacon removed", "beacon", id, "last_seen", st.LastSeen)

	if cur, ok := e.selector.Current(); ok && cur == id {
		e.selector.Clear()
	}
	e.applyChange(ctx, e.selector.Recompute(e.registry))
}

func (e *Engine) emitLeft(ctx context.Context, id string) {
	if e.leftEmitted[id] {
		return
	}
	e.emit(ctx, id, attendance.KindLeft)
}

// emit builds an event, runs it through the gate and forwards it if
// accepted. left and present toggle the beacon's outstanding-left flag even
// when the gate rejects them.
func (e *Engine) emit(ctx context.Context, id string, kind attendance.Kind) {
	ev := attendance.Event{
		ID:        e.ids.Generate(),
		StudentID: e.cfg.StudentID,
		BeaconID:  id,
		Kind:      kind,
		Timestamp: e.clock.Now().UTC(),
	}
	if st, ok := e.registry.Get(id); ok {
		rssi := st.RSSI
		ev.RSSI = &rssi
	}

	switch kind {
	case attendance.KindLeft:
		e.leftEmitted[id] = true
	case attendance.KindPresent:
		delete(e.leftEmitted, id)
	}
	e.metrics.Emitted(string(kind))

	err := e.gate.Admit(ev)
	if e.hook != nil {
		e.hook(ev, err)
	}
	if err != nil {
		e.metrics.Rejected(string(RejectionReason(err)))
		e.logger.Debug("event rejected", "event", ev.String(), "reason", RejectionReason(err))
		return
	}

	e.metrics.Admitted(string(kind))
	e.logger.Info("attendance event accepted", "id", ev.ID, "beacon", id, "kind", kind)
	e.platform.Sink.Publish(sink.Notification{Event: ev, Status: sink.StatusAccepted, At: ev.Timestamp})
	if err := e.saveSnapshot(ctx); err != nil {
		e.logger.Error("presence snapshot not saved", "error", err)
	}
	e.dispatcher.Dispatch(ev)
}
