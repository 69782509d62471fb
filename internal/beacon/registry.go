package beacon

import (
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Transition describes how an ingest changed a beacon's range status.
type Transition int

const (
	// TransitionNone means the in-range flag did not change.
	TransitionNone Transition = iota
	// TransitionEntered means the beacon was first seen, or came back, in range.
	TransitionEntered
	// TransitionExited means the beacon dropped below the threshold.
	TransitionExited
)

// IngestResult reports the effect of Registry.Ingest.
type IngestResult struct {
	State      State
	Created    bool
	Transition Transition
}

// Registry holds the last known State per beacon identifier.
//
// INVARIANT: State.InRange == (State.RSSI >= threshold) for every entry.
type Registry struct {
	threshold int
	states    map[string]*State
}

// NewRegistry creates an empty registry with the given in-range threshold.
func NewRegistry(threshold int) *Registry {
	return &Registry{
		threshold: threshold,
		states:    make(map[string]*State),
	}
}

// Ingest inserts or updates the state for obs.ID. The observation must
// already be valid and normalized.
//
// Observations older than the recorded LastSeen are dropped (ok=false) so
// out-of-order delivery from the scanner cannot regress a beacon's state.
// Duplicates with an equal timestamp are applied again, which is a no-op in
// effect.
func (r *Registry) Ingest(obs Observation) (IngestResult, bool) {
	inRange := obs.RSSI >= r.threshold

	st, ok := r.states[obs.ID]
	if !ok {
		st = &State{ID: obs.ID}
		r.states[obs.ID] = st
	} else if obs.SeenAt.Before(st.LastSeen) {
		return IngestResult{State: *st}, false
	}

	res := IngestResult{Created: !ok}
	switch {
	case inRange && (!ok || !st.InRange):
		res.Transition = TransitionEntered
	case !inRange && ok && st.InRange:
		res.Transition = TransitionExited
	}

	if obs.Name != "" {
		st.Name = norm.NFC.String(obs.Name)
	}
	st.RSSI = obs.RSSI
	st.LastSeen = obs.SeenAt
	st.InRange = inRange
	if inRange {
		st.LastInRange = obs.SeenAt
	}

	res.State = *st
	return res, true
}

// Get returns a copy of the state for id.
func (r *Registry) Get(id string) (State, bool) {
	st, ok := r.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Remove deletes the state for id. Returns false if it was not present.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.states[id]; !ok {
		return false
	}
	delete(r.states, id)
	return true
}

// Len returns the number of tracked beacons.
func (r *Registry) Len() int {
	return len(r.states)
}

// Sweep returns the beacons that have been silent for at least quiet as of
// now, ordered by LastSeen then ID. The engine schedules an absent timer for
// each one it is not already tracking.
func (r *Registry) Sweep(now time.Time, quiet time.Duration) []State {
	var stale []State
	for _, st := range r.states {
		if now.Sub(st.LastSeen) >= quiet {
			stale = append(stale, *st)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].LastSeen.Equal(stale[j].LastSeen) {
			return stale[i].ID < stale[j].ID
		}
		return stale[i].LastSeen.Before(stale[j].LastSeen)
	})
	return stale
}

// States returns copies of all states ordered by ID.
func (r *Registry) States() []State {
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
