package testutil

import (
	"context"
	"sync"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
)

// FakeAPI is a scriptable api.Client.
//
// By default the service is reachable and every call succeeds.
//
// Thread-safety: safe for concurrent use.
type FakeAPI struct {
	mu sync.Mutex

	offline      bool
	markErr      error
	markFailIDs  map[string]error
	batchErr     error
	batchSuccess int // -1: all

	marks   []attendance.Event
	batches [][]attendance.Event
	checks  int

	gate    chan struct{}
	entered chan struct{}
	once    *sync.Once

	markGate    chan struct{}
	markEntered chan struct{}
	markOnce    *sync.Once
}

var _ api.Client = (*FakeAPI)(nil)

// NewFakeAPI creates a reachable, always-succeeding fake.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{batchSuccess: -1, markFailIDs: make(map[string]error)}
}

// SetOnline toggles CheckConnectivity.
func (f *FakeAPI) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = !online
}

// FailMarks makes every MarkAttendance return err (nil to succeed again).
func (f *FakeAPI) FailMarks(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markErr = err
}

// FailMark makes MarkAttendance for event id return err.
func (f *FakeAPI) FailMark(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.markFailIDs, id)
		return
	}
	f.markFailIDs[id] = err
}

// SetBatch configures SyncBatch: it returns err if non-nil, otherwise
// reports success for the first n events (n < 0: all).
func (f *FakeAPI) SetBatch(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSuccess = n
	f.batchErr = err
}

// Hold blocks CheckConnectivity until release is called. entered is closed
// once a check is waiting.
func (f *FakeAPI) Hold() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{})
	f.once = &sync.Once{}
	gate := f.gate
	var rel sync.Once
	return f.entered, func() { rel.Do(func() { close(gate) }) }
}

// HoldMarks blocks MarkAttendance until release is called. entered is
// closed once a call is waiting.
func (f *FakeAPI) HoldMarks() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markGate = make(chan struct{})
	f.markEntered = make(chan struct{})
	f.markOnce = &sync.Once{}
	gate := f.markGate
	var rel sync.Once
	return f.markEntered, func() { rel.Do(func() { close(gate) }) }
}

// MarkAttendance records ev and returns the scripted result.
func (f *FakeAPI) MarkAttendance(ctx context.Context, ev attendance.Event) error {
	f.mu.Lock()
	gate, entered, once := f.markGate, f.markEntered, f.markOnce
	f.mu.Unlock()
	if gate != nil {
		once.Do(func() { close(entered) })
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.markFailIDs[ev.ID]; ok {
		return err
	}
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, ev)
	return nil
}

// SyncBatch records evs and returns the scripted result.
func (f *FakeAPI) SyncBatch(_ context.Context, evs []attendance.Event) (api.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return api.BatchResult{}, f.batchErr
	}
	n := f.batchSuccess
	if n < 0 || n > len(evs) {
		n = len(evs)
	}
	f.batches = append(f.batches, append([]attendance.Event(nil), evs[:n]...))
	return api.BatchResult{SuccessCount: n, FailedCount: len(evs) - n}, nil
}

// CheckConnectivity reports the scripted reachability, waiting on Hold's
// gate if one is set.
func (f *FakeAPI) CheckConnectivity(ctx context.Context) bool {
	f.mu.Lock()
	f.checks++
	gate, entered, once := f.gate, f.entered, f.once
	f.mu.Unlock()

	if gate != nil {
		once.Do(func() { close(entered) })
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

// Marked returns the events accepted by MarkAttendance.
func (f *FakeAPI) Marked() []attendance.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attendance.Event(nil), f.marks...)
}

// Batched returns the events accepted by SyncBatch, per call.
func (f *FakeAPI) Batched() [][]attendance.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]attendance.Event(nil), f.batches...)
}

// Checks returns how many connectivity checks were made.
func (f *FakeAPI) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}
