// Package metrics registers retrace counters on the OpenTelemetry global
// meter. Without an SDK installed the instruments are no-ops, so capture
// code can record unconditionally.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments.
type Metrics struct {
	Ticks          metric.Int64Counter
	DedupSkips     metric.Int64Counter
	CaptureErrors  metric.Int64Counter
	OCRErrors      metric.Int64Counter
	ScreenRecords  metric.Int64Counter
	Segments       metric.Int64Counter
	EventsDropped  metric.Int64Counter
	PrivacySkips   metric.Int64Counter
	StoreAppends   metric.Int64Counter
	StoreRetries   metric.Int64Counter
	OverflowDrops  metric.Int64Counter
	AudioChunks    metric.Int64Counter
	AppendDuration metric.Float64Histogram
}

// DefaultMetrics is the shared instance used across the daemon.
var DefaultMetrics = New()

// New creates the instrument set on the global meter.
func New() *Metrics {
	meter := otel.Meter("github.com/retracehq/retrace")

	m := &Metrics{}
	m.Ticks, _ = meter.Int64Counter("retrace.screen.ticks",
		metric.WithDescription("Scheduled screen capture ticks"))
	m.DedupSkips, _ = meter.Int64Counter("retrace.screen.dedup_skips",
		metric.WithDescription("Ticks skipped because the frame was unchanged"))
	m.CaptureErrors, _ = meter.Int64Counter("retrace.screen.capture_errors",
		metric.WithDescription("Frame source failures"))
	m.OCRErrors, _ = meter.Int64Counter("retrace.screen.ocr_errors",
		metric.WithDescription("Text extraction failures"))
	m.ScreenRecords, _ = meter.Int64Counter("retrace.screen.records",
		metric.WithDescription("Screen records committed"))
	m.Segments, _ = meter.Int64Counter("retrace.text.segments",
		metric.WithDescription("Text segments committed"))
	m.EventsDropped, _ = meter.Int64Counter("retrace.text.events_dropped",
		metric.WithDescription("Malformed or out-of-order input events discarded"))
	m.PrivacySkips, _ = meter.Int64Counter("retrace.privacy.skips",
		metric.WithDescription("Frames or segments withheld by exclusion rules"))
	m.StoreAppends, _ = meter.Int64Counter("retrace.store.appends",
		metric.WithDescription("Records durably appended"))
	m.StoreRetries, _ = meter.Int64Counter("retrace.store.retries",
		metric.WithDescription("Append retries after a storage error"))
	m.OverflowDrops, _ = meter.Int64Counter("retrace.store.overflow_drops",
		metric.WithDescription("Records dropped from the full overflow buffer"))
	m.AudioChunks, _ = meter.Int64Counter("retrace.audio.chunks",
		metric.WithDescription("Audio chunks committed"))
	m.AppendDuration, _ = meter.Float64Histogram("retrace.store.append_seconds",
		metric.WithDescription("Durable append latency"))
	return m
}

// RecordAppend records one append outcome by log name.
func (m *Metrics) RecordAppend(ctx context.Context, logName string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("log", logName))
	m.StoreAppends.Add(ctx, 1, attrs)
	m.AppendDuration.Record(ctx, seconds, attrs)
}

// RecordSegment records one committed segment tagged by its end reason.
func (m *Metrics) RecordSegment(ctx context.Context, reason string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
