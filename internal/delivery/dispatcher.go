// Package delivery sends accepted attendance events to the service and hands
// transient failures to the offline queue.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/metrics"
	"github.com/roach88/presence/internal/sink"
)

// DefaultTimeout bounds one mark-attendance call.
const DefaultTimeout = 10 * time.Second

// Queue is where undelivered events go.
// Implemented by *offline.Queue.
type Queue interface {
	Enqueue(ctx context.Context, ev attendance.Event) error
}

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeQueued  Outcome = "queued"
	OutcomeDropped Outcome = "dropped"
)

// Dispatcher attempts immediate delivery of each event.
//
// Dispatch returns at once; the call runs on its own goroutine with its own
// timeout so a hung network call never stalls the engine loop.
type Dispatcher struct {
	client  api.Client
	queue   Queue
	sink    sink.Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink publishes the outcome of every delivery.
func WithSink(s sink.Sink) Option {
	return func(d *Dispatcher) {
		d.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTimeout bounds each call.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = t
	}
}

// WithNow overrides the clock used for notifications.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher.
func New(client api.Client, q Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:  client,
		queue:   q,
		sink:    sink.Nop{},
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers ev in the background.
func (d *Dispatcher) Dispatch(ev attendance.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.Deliver(ctx, ev)
	}()
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Deliver makes one mark-attendance call for ev and settles the outcome:
// success marks it synced, an authentication failure drops it, and any other
// failure queues it for retry. Nothing is returned to the caller as an error.
func (d *Dispatcher) Deliver(ctx context.Context, ev attendance.Event) Outcome {
	err := d.client.MarkAttendance(ctx, ev)
	if err == nil {
		ev.Synced = true
		d.metrics.Delivered("dispatch", 1)
		d.logger.Info("attendance delivered", "id", ev.ID, "beacon", ev.BeaconID, "kind", ev.Kind)
		d.publish(ev, sink.StatusSynced, nil)
		return OutcomeSynced
	}

	d.metrics.Failed("dispatch", api.Class(err))
	if api.IsUnauthorized(err) {
		d.logger.Error("attendance dropped: credentials rejected", "id", ev.ID, "kind", ev.Kind, "error", err)
		d.publish(ev, sink.StatusDropped, err)
		return OutcomeDropped
	}

	ev.Synced = false
	if qerr := d.queue.Enqueue(ctx, ev); qerr != nil {
		// Queued in memory even if the write failed; the next mutation retries it.
		d.logger.Error("offline queue not persisted", "id", ev.ID, "error", qerr)
	}
	d.logger.Warn("attendance queued for retry", "id", ev.ID, "kind", ev.Kind, "error", err)
	d.publish(ev, sink.StatusQueued, err)
	return OutcomeQueued
}

func (d *Dispatcher) publish(ev attendance.Event, status sink.Status, err error) {
	n := sink.Notification{Event: ev, Status: status, At: d.now().UTC()}
	if err != nil {
		n.Error = err.Error()
	}
	d.sink.Publish(n)
}
