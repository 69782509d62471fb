package beacon

// Change is the outcome of a primary beacon recompute.
//
// When both Old and New are set the caller must emit left(Old) before
// present(New); downstream throttling depends on that order.
type Change struct {
	Old string
	New string
}

// Changed reports whether the primary beacon moved.
func (c Change) Changed() bool {
	return c.Old != c.New
}

// Selector elects the single primary beacon among in-range states.
//
// The primary is held by identifier only; the registry owns the state.
type Selector struct {
	current string
}

// NewSelector creates a selector with no primary beacon.
func NewSelector() *Selector {
	return &Selector{}
}

// Current returns the primary beacon id, if any.
func (s *Selector) Current() (string, bool) {
	return s.current, s.current != ""
}

// Restore sets the primary beacon without reporting a change. Used when
// loading a persisted snapshot.
func (s *Selector) Restore(id string) {
	s.current = id
}

// Clear drops the primary beacon without reporting a change.
func (s *Selector) Clear() {
	s.current = ""
}

// Recompute picks the in-range state with the strongest signal. Ties go to
// the most recently seen beacon, then to the lowest id.
func (s *Selector) Recompute(r *Registry) Change {
	var best *State
	for _, st := range r.states {
		if !st.InRange {
			continue
		}
		if best == nil || stronger(st, best) {
			best = st
		}
	}

	next := ""
	if best != nil {
		next = best.ID
	}
	ch := Change{Old: s.current, New: next}
	s.current = next
	return ch
}

func stronger(a, b *State) bool {
	if a.RSSI != b.RSSI {
		return a.RSSI > b.RSSI
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID < b.ID
}
