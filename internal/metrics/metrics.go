// Package metrics registers the engine's OpenTelemetry instruments.
//
// A nil *Metrics is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/roach88/presence"

// Metrics holds the counters shared by the engine, dispatcher and queue.
type Metrics struct {
	meter metric.Meter

	observations metric.Int64Counter
	ignored      metric.Int64Counter
	emitted      metric.Int64Counter
	admitted     metric.Int64Counter
	rejected     metric.Int64Counter
	delivered    metric.Int64Counter
	failed       metric.Int64Counter
	evicted      metric.Int64Counter
}

// New creates the instruments on mp (the global provider if nil).
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.observations, "presence.observations", "Beacon observations ingested"},
		{&m.ignored, "presence.observations.ignored", "Observations dropped as malformed or stale"},
		{&m.emitted, "presence.events.emitted", "Transitions produced by the state machine"},
		{&m.admitted, "presence.events.admitted", "Events accepted by the throttle gate"},
		{&m.rejected, "presence.events.rejected", "Events rejected by the throttle gate"},
		{&m.delivered, "presence.deliveries.succeeded", "Events confirmed by the attendance service"},
		{&m.failed, "presence.deliveries.failed", "Delivery attempts that failed"},
		{&m.evicted, "presence.queue.evicted", "Queued events evicted on overflow"},
	}
	for _, c := range counters {
		ctr, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return m, nil
}

// ObserveQueueDepth registers an observable gauge reporting depth().
func (m *Metrics) ObserveQueueDepth(depth func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("presence.queue.depth",
		metric.WithDescription("Events waiting in the offline queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("metrics: presence.queue.depth: %w", err)
	}
	return nil
}

// Observation counts an ingested observation.
func (m *Metrics) Observation() {
	if m == nil {
		return
	}
	m.observations.Add(context.Background(), 1)
}

// Ignored counts an observation dropped for reason.
func (m *Metrics) Ignored(reason string) {
	if m == nil {
		return
	}
	m.ignored.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Emitted counts a state machine transition of the given kind.
func (m *Metrics) Emitted(kind string) {
	if m == nil {
		return
	}
	m.emitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Admitted counts an event accepted by the gate.
func (m *Metrics) Admitted(kind string) {
	if m == nil {
		return
	}
	m.admitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Rejected counts an event rejected by the gate for reason.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Delivered counts a confirmed delivery; path is "dispatch", "batch" or "retry".
func (m *Metrics) Delivered(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delivered.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("path", path)))
}

// Failed counts a failed delivery attempt.
func (m *Metrics) Failed(path, class string) {
	if m == nil {
		return
	}
	m.failed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("class", class),
	))
}

// Evicted counts queue entries evicted on overflow.
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(context.Background(), int64(n))
}
