// Package imetrics supports recording and submission of internal metrics of the instrumenter
package imetrics

import (
	"context"
)

// Config options for the different metrics exporters
type Config struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

// Reporter of internal metrics
type Reporter interface {
	// Start the reporter
	Start(ctx context.Context)
	// TracerFlush is invoked every time a tracer flushes a group of len traces.
	TracerFlush(len int)
	// ProbeEvent is invoked every time an interception point fires
	ProbeEvent(probe string)
	// RecordDropped is invoked every time a finished record is discarded because the
	// emission ring of its protocol family is full
	RecordDropped(family string)
	// RequestUntracked is invoked every time a request can't be traced, because its
	// correlation table is full or its identity could not be read
	RequestUntracked(family string)
	// OTELTraceExport is invoked every time the OpenTelemetry Traces exporter successfully exports traces to
	// a remote collector. It accounts the length, in traces, for each invocation.
	OTELTraceExport(i int)
	// OTELTraceExportError is invoked every time the OpenTelemetry Traces export fails with an error
	OTELTraceExportError(err error)
	// InstrumentProcess is invoked every time a new process is instrumented
	InstrumentProcess(processName string)
}

// NoopReporter is a metrics Reporter that just does nothing
type NoopReporter struct{}

func (n NoopReporter) Start(_ context.Context)       {}
func (n NoopReporter) TracerFlush(_ int)             {}
func (n NoopReporter) ProbeEvent(_ string)           {}
func (n NoopReporter) RecordDropped(_ string)        {}
func (n NoopReporter) RequestUntracked(_ string)     {}
func (n NoopReporter) OTELTraceExport(_ int)         {}
func (n NoopReporter) OTELTraceExportError(_ error)  {}
func (n NoopReporter) InstrumentProcess(_ string)    {}
