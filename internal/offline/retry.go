package offline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/metrics"
	"github.com/roach88/presence/internal/sink"
)

// Retry defaults.
const (
	DefaultRetryInterval  = 5 * time.Minute
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultBatchThreshold = 5
)

// Report summarizes one ProcessQueue pass.
type Report struct {
	// Skipped is true when another pass was already running.
	Skipped bool `json:"skipped"`
	// Reachable is the connectivity check result.
	Reachable bool `json:"reachable"`
	// Batched is the number of events confirmed by the batch call.
	Batched int `json:"batched"`
	// Retried is the number of events confirmed individually.
	Retried int `json:"retried"`
	// Failed is the number of events left queued after a failed attempt.
	Failed int `json:"failed"`
	// Remaining is the queue length at the end of the pass.
	Remaining int `json:"remaining"`
}

// Check is the result of the most recent connectivity check.
type Check struct {
	At        time.Time `json:"at"`
	Reachable bool      `json:"reachable"`
}

// Retrier drains the Queue against the attendance service.
type Retrier struct {
	queue          *Queue
	client         api.Client
	sink           sink.Sink
	logger         *slog.Logger
	metrics        *metrics.Metrics
	interval       time.Duration
	delay          time.Duration
	batchThreshold int
	now            func() time.Time

	inFlight atomic.Bool

	mu        sync.Mutex
	lastCheck Check
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithInterval sets the period of Run's automatic passes.
func WithInterval(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		r.interval = d
	}
}

// WithDelay sets the pause between individual retries.
func WithDelay(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		r.delay = d
	}
}

// WithBatchThreshold sets the queue length above which a batch call is tried.
func WithBatchThreshold(n int) RetrierOption {
	return func(r *Retrier) {
		r.batchThreshold = n
	}
}

// WithSink publishes a synced notification for every delivered event.
func WithSink(s sink.Sink) RetrierOption {
	return func(r *Retrier) {
		r.sink = s
	}
}

// WithRetrierLogger sets the logger.
func WithRetrierLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = l
	}
}

// WithRetrierMetrics records delivery outcomes.
func WithRetrierMetrics(m *metrics.Metrics) RetrierOption {
	return func(r *Retrier) {
		r.metrics = m
	}
}

// WithRetrierNow overrides the clock used for notifications.
func WithRetrierNow(now func() time.Time) RetrierOption {
	return func(r *Retrier) {
		r.now = now
	}
}

// NewRetrier creates a retrier for q using client.
func NewRetrier(q *Queue, client api.Client, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		queue:          q,
		client:         client,
		sink:           sink.Nop{},
		logger:         slog.Default(),
		interval:       DefaultRetryInterval,
		delay:          DefaultRetryDelay,
		batchThreshold: DefaultBatchThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run calls ProcessQueue every interval until ctx is done.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("retrier starting", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retrier stopping")
			return ctx.Err()
		case <-ticker.C:
			r.ProcessQueue(ctx)
		}
	}
}

// Flush runs a pass immediately (manual "force sync").
func (r *Retrier) Flush(ctx context.Context) Report {
	return r.ProcessQueue(ctx)
}

// LastCheck returns the most recent connectivity check.
func (r *Retrier) LastCheck() Check {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCheck
}

// ProcessQueue makes one delivery pass over the queue.
//
// Only one pass runs at a time: a call made while another is in flight
// returns immediately with Report.Skipped set, so no event is sent twice by
// overlapping passes.
//
// With the service reachable and more than batchThreshold events queued, a
// single batch call is tried first and the confirmed prefix removed. Whatever
// remains is retried one event at a time with delay between requests. An
// authentication failure ends the pass and leaves the queue intact.
func (r *Retrier) ProcessQueue(ctx context.Context) Report {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Report{Skipped: true, Remaining: r.queue.Len()}
	}
	defer r.inFlight.Store(false)

	var rep Report
	pending := r.queue.Snapshot()
	if len(pending) == 0 {
		return rep
	}

	rep.Reachable = r.client.CheckConnectivity(ctx)
	r.mu.Lock()
	r.lastCheck = Check{At: r.now().UTC(), Reachable: rep.Reachable}
	r.mu.Unlock()
	if !rep.Reachable {
		r.logger.Debug("attendance service unreachable, retry deferred", "queued", len(pending))
		rep.Remaining = len(pending)
		return rep
	}

	if len(pending) > r.batchThreshold {
		n, stop := r.syncBatch(ctx, pending)
		rep.Batched = n
		pending = pending[n:]
		if stop {
			rep.Remaining = r.queue.Len()
			return rep
		}
	}

	for i, e := range pending {
		if i > 0 && !r.sleep(ctx) {
			break
		}
		err := r.client.MarkAttendance(ctx, e.Event)
		if err != nil {
			r.metrics.Failed("retry", api.Class(err))
			rep.Failed++
			if api.IsUnauthorized(err) {
				r.logger.Warn("retry halted: credentials rejected", "event", e.Event.ID, "error", err)
				break
			}
			r.logger.Debug("retry failed, event stays queued", "event", e.Event.ID, "error", err)
			continue
		}
		if _, err := r.queue.Remove(ctx, e.Event.ID); err != nil {
			r.logger.Error("failed to persist queue after retry", "event", e.Event.ID, "error", err)
		}
		r.metrics.Delivered("retry", 1)
		rep.Retried++
		r.publishSynced(e.Event)
	}

	rep.Remaining = r.queue.Len()
	r.logger.Info("offline queue processed",
		"batched", rep.Batched, "retried", rep.Retried, "failed", rep.Failed, "remaining", rep.Remaining)
	return rep
}

// syncBatch sends pending in one call and removes the confirmed prefix.
// stop reports an authentication failure.
func (r *Retrier) syncBatch(ctx context.Context, pending []Entry) (n int, stop bool) {
	evs := make([]attendance.Event, len(pending))
	for i, e := range pending {
		evs[i] = e.Event
	}

	res, err := r.client.SyncBatch(ctx, evs)
	if err != nil {
		r.metrics.Failed("batch", api.Class(err))
		if api.IsUnauthorized(err) {
			r.logger.Warn("batch sync halted: credentials rejected", "error", err)
			return 0, true
		}
		r.logger.Debug("batch sync failed, falling back to individual retries", "error", err)
		return 0, false
	}

	n = res.SuccessCount
	if n > len(pending) {
		n = len(pending)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = pending[i].Event.ID
	}
	if _, err := r.queue.Remove(ctx, ids...); err != nil {
		r.logger.Error("failed to persist queue after batch", "error", err)
	}
	r.metrics.Delivered("batch", n)
	for i := 0; i < n; i++ {
		r.publishSynced(pending[i].Event)
	}
	return n, false
}

func (r *Retrier) publishSynced(ev attendance.Event) {
	ev.Synced = true
	r.sink.Publish(sink.Notification{Event: ev, Status: sink.StatusSynced, At: r.now().UTC()})
}

// sleep waits r.delay; false if ctx ended first.
func (r *Retrier) sleep(ctx context.Context) bool {
	if r.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
