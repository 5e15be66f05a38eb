// Package telemetry records engine metrics through the OpenTelemetry metric
// API. The instruments implement the Recorder interfaces of the cache, batch,
// txn and backup packages.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for taskgraph metrics.
const MeterName = "taskgraph"

// Metrics holds all taskgraph metric instruments.
type Metrics struct {
	CacheEvents    metric.Int64Counter
	BatchItems     metric.Int64Counter
	BatchDuration  metric.Float64Histogram
	Transactions   metric.Int64Counter
	BackupDuration metric.Float64Histogram
	BackupFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CacheEvents, err = meter.Int64Counter("taskgraph.cache.events",
		metric.WithDescription("Cache hits, misses, evictions and forced cleanups"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchItems, err = meter.Int64Counter("taskgraph.batch.items",
		metric.WithDescription("Batch items by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchDuration, err = meter.Float64Histogram("taskgraph.batch.duration",
		metric.WithDescription("Batch processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Transactions, err = meter.Int64Counter("taskgraph.txn.finalized",
		metric.WithDescription("Transactions by outcome (commit or rollback)"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupDuration, err = meter.Float64Histogram("taskgraph.backup.duration",
		metric.WithDescription("Backup export and import duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupFailures, err = meter.Int64Counter("taskgraph.backup.failures",
		metric.WithDescription("Failed backup exports and imports"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCache counts n cache events of the given kind.
func (m *Metrics) RecordCache(ctx context.Context, event string, n int64) {
	if n <= 0 {
		return
	}
	m.CacheEvents.Add(ctx, n, metric.WithAttributes(attribute.String("event", event)))
}

// RecordBatchItem counts one batch item outcome.
func (m *Metrics) RecordBatchItem(ctx context.Context, outcome string) {
	m.BatchItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBatchDuration records how long a Process call took.
func (m *Metrics) RecordBatchDuration(ctx context.Context, d time.Duration) {
	m.BatchDuration.Record(ctx, d.Seconds())
}

// RecordTransaction counts a finalized transaction.
func (m *Metrics) RecordTransaction(ctx context.Context, outcome string) {
	m.Transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBackup records an export or import and counts it as failed when err
// is non-nil.
func (m *Metrics) RecordBackup(ctx context.Context, op string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.BackupDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.BackupFailures.Add(ctx, 1, attrs)
	}
}
