package otel

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
)

// instrumentedTracesExporter wraps an otel traces exporter to account some internal metrics
type instrumentedTracesExporter struct {
	trace.SpanExporter
	internal imetrics.Reporter
}

func (ie *instrumentedTracesExporter) ExportSpans(ctx context.Context, ss []trace.ReadOnlySpan) error {
	if err := ie.SpanExporter.ExportSpans(ctx, ss); err != nil {
		ie.internal.OTELTraceExportError(err)
		return err
	}
	ie.internal.OTELTraceExport(len(ss))
	return nil
}

// instrumentTraceExporter wraps the passed traces exporter inside an instrumented exporter,
// unless internal metrics are disabled
func instrumentTraceExporter(in trace.SpanExporter, internalMetrics imetrics.Reporter) trace.SpanExporter {
	if _, ok := internalMetrics.(imetrics.NoopReporter); ok || internalMetrics == nil {
		return in
	}
	return &instrumentedTracesExporter{
		SpanExporter: in,
		internal:     internalMetrics,
	}
}
