package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider owns an in-process meter provider whose readings can be
// collected on demand.
type Provider struct {
	Meter    metric.Meter
	Metrics  *Metrics
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewProvider builds a provider backed by a manual reader. When enabled is
// false every instrument is a no-op and Collect returns nothing.
func NewProvider(enabled bool) (*Provider, error) {
	p := &Provider{}
	if enabled {
		p.reader = sdkmetric.NewManualReader()
		p.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(p.reader))
		p.Meter = p.provider.Meter(MeterName)
	} else {
		p.Meter = noop.NewMeterProvider().Meter(MeterName)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metric instruments: %w", err)
	}
	p.Metrics = m
	return p, nil
}

// Reading is one collected data point.
type Reading struct {
	Name       string
	Attributes string
	Value      float64
	Count      uint64
}

// Collect returns current readings sorted by name and attributes. Counters
// report their sum; histograms report their sum and count.
func (p *Provider) Collect(ctx context.Context) ([]Reading, error) {
	if p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []Reading
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Reading{Name: m.Name, Attributes: attrString(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Reading{Name: m.Name, Attributes: attrString(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attributes < out[j].Attributes
	})
	return out, nil
}

func attrString(set attribute.Set) string {
	enc := attribute.DefaultEncoder()
	return set.Encoded(enc)
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
