package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/beacon"
	"github.com/roach88/presence/internal/sink"
	"github.com/roach88/presence/internal/testutil"
)

// decision is one DecisionHook call.
type decision struct {
	ev     attendance.Event
	reason RejectReason
}

type countingWakeLock struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (w *countingWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired++
	return nil
}

func (w *countingWakeLock) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released++
}

func (w *countingWakeLock) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired, w.released
}

// rig drives an engine deterministically: time moves only through advance,
// and the mailbox is drained after every timer firing.
type rig struct {
	t    *testing.T
	ctx  context.Context
	clk  *testutil.FakeClock
	kv   *testutil.MemoryKV
	rec  *sink.Recorder
	wake *countingWakeLock
	eng  *Engine

	mu         sync.Mutex
	dispatched []attendance.Event
	decisions  []decision
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	return newRigWithKV(t, testutil.NewMemoryKV(), mutate)
}

func newRigWithKV(t *testing.T, kv *testutil.MemoryKV, mutate func(*Config)) *rig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StudentID = "stu-1"
	if mutate != nil {
		mutate(&cfg)
	}

	r := &rig{
		t:    t,
		ctx:  context.Background(),
		clk:  testutil.NewFakeClock(testutil.Epoch),
		kv:   kv,
		rec:  &sink.Recorder{},
		wake: &countingWakeLock{},
	}
	eng, err := New(cfg,
		Platform{Store: r.kv, Sink: r.rec, WakeLock: r.wake},
		DispatchFunc(func(ev attendance.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.dispatched = append(r.dispatched, ev)
		}),
		WithClock(r.clk),
		WithIDGenerator(attendance.NewSequenceGenerator("evt")),
		WithLogger(quietLogger()),
		WithDecisionHook(func(ev attendance.Event, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.decisions = append(r.decisions, decision{ev: ev, reason: RejectionReason(err)})
		}),
	)
	require.NoError(t, err)
	require.NoError(t, eng.Start(r.ctx))
	r.eng = eng
	return r
}

// at returns the absolute time of offset d.
func at(d time.Duration) time.Time {
	return testutil.Epoch.Add(d)
}

// advance moves the clock to offset d, draining the engine after each
// batch of timer firings.
func (r *rig) advance(d time.Duration) {
	target := at(d)
	for !r.clk.AdvanceTo(target) {
		r.eng.Drain(r.ctx)
	}
	r.eng.Drain(r.ctx)
}

// observe advances to offset d and ingests one observation seen then.
func (r *rig) observe(d time.Duration, id string, rssi int) {
	r.advance(d)
	require.NoError(r.t, r.eng.Observe(beacon.Observation{ID: id, RSSI: rssi, SeenAt: at(d)}))
	r.eng.Drain(r.ctx)
}

// every ingests observations for id every step over [from, to].
func (r *rig) every(from, to, step time.Duration, id string, rssi int) {
	for d := from; d <= to; d += step {
		r.observe(d, id, rssi)
	}
}

func (r *rig) sent() []attendance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]attendance.Event(nil), r.dispatched...)
}

func (r *rig) rejected() []decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []decision
	for _, d := range r.decisions {
		if d.reason != "" {
			out = append(out, d)
		}
	}
	return out
}

// trace renders events as "kind(beacon)@offset" for compact assertions.
func trace(evs []attendance.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind) + "(" + ev.BeaconID + ")@" + ev.Timestamp.Sub(testutil.Epoch).String()
	}
	return out
}

func countKind(evs []attendance.Event, id string, kind attendance.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.BeaconID == id && ev.Kind == kind {
			n++
		}
	}
	return n
}
