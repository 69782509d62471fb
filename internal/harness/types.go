package harness

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/sink"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Offset time.Duration `json:"offset"`
	Kind   string        `json:"kind"` // event kind, or "flush"
	Beacon string        `json:"beacon,omitempty"`
	Status string        `json:"status"`
}

// String renders the event as "t=<seconds>s <kind> <beacon> <status>".
func (e TraceEvent) String() string {
	secs := int64(e.Offset / time.Second)
	if e.Beacon == "" {
		return fmt.Sprintf("t=%ds %s %s", secs, e.Kind, e.Status)
	}
	return fmt.Sprintf("t=%ds %s %s %s", secs, e.Kind, e.Beacon, e.Status)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace holds notifications, rejections and flush summaries in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// Primary is the primary beacon when the run ended.
	Primary string `json:"primary"`

	// Queued is the offline queue length when the run ended.
	Queued int `json:"queued"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Lines renders the trace one string per event.
func (r *Result) Lines() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.String()
	}
	return out
}

// tracer collects trace events from every component of a run. It is a
// sink.Sink for notifications and an engine.DecisionHook for rejections.
type tracer struct {
	start time.Time

	mu     sync.Mutex
	events []TraceEvent
}

var _ sink.Sink = (*tracer)(nil)

func newTracer(start time.Time) *tracer {
	return &tracer{start: start}
}

func (t *tracer) Publish(n sink.Notification) {
	t.add(n.At, n.Event, string(n.Status))
}

func (t *tracer) decide(ev attendance.Event, err error) {
	if err == nil {
		// Accepted events are traced by their notification.
		return
	}
	t.add(ev.Timestamp, ev, "rejected:"+string(engine.RejectionReason(err)))
}

func (t *tracer) flush(at time.Time, rep offline.Report) {
	status := fmt.Sprintf("reachable=%t batched=%d retried=%d failed=%d remaining=%d",
		rep.Reachable, rep.Batched, rep.Retried, rep.Failed, rep.Remaining)
	if rep.Skipped {
		status = "skipped"
	}
	t.append(TraceEvent{Offset: at.Sub(t.start), Kind: "flush", Status: status})
}

func (t *tracer) add(at time.Time, ev attendance.Event, status string) {
	t.append(TraceEvent{
		Offset: at.Sub(t.start),
		Kind:   string(ev.Kind),
		Beacon: ev.BeaconID,
		Status: status,
	})
}

func (t *tracer) append(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *tracer) trace() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent{}, t.events...)
}

// matchStatus reports whether status satisfies want. "rejected" matches
// every "rejected:<reason>".
func matchStatus(status, want string) bool {
	return want == "" || status == want || strings.HasPrefix(status, want+":")
}
