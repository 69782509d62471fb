package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// serviceNameKey is the OpenTelemetry resource attribute naming the service.
const serviceNameKey = attribute.Key("service.name")

// Provider is an SDK MeterProvider whose readings can be collected
// in-process, for the status server.
type Provider struct {
	*metric.MeterProvider
	reader *metric.ManualReader
}

// NewProvider creates a provider tagged with serviceName.
func NewProvider(serviceName string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(serviceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: resource: %w", err)
	}
	reader := metric.NewManualReader()
	return &Provider{
		MeterProvider: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(reader),
		),
		reader: reader,
	}, nil
}

// Collect returns the current value of every int64 counter (summed over
// attributes) and gauge, keyed by instrument name.
func (p *Provider) Collect(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("metrics: collect: %w", err)
	}

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out, nil
}
