package imetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/rust-autoinstrument/pkg/connector"
)

// pipelineBufferLengths buckets for histogram metrics about the number of traces submitted from one stage to another
// its maximum size will be configuration's batch_length at maximum
var pipelineBufferLengths = []float64{0, 10, 20, 40, 80, 160, 320}

type PrometheusConfig struct {
	Port int    `yaml:"port,omitempty" env:"RUST_AUTO_INTERNAL_METRICS_PROMETHEUS_PORT"`
	Path string `yaml:"path,omitempty" env:"RUST_AUTO_INTERNAL_METRICS_PROMETHEUS_PATH"`
}

// Enabled returns whether the internal metrics must be exposed
func (c *PrometheusConfig) Enabled() bool {
	return c.Port != 0
}

// PrometheusReporter is an internal metrics Reporter that exports to Prometheus
type PrometheusReporter struct {
	connector           *connector.PrometheusManager
	tracerFlushes       prometheus.Histogram
	probeEvents         *prometheus.CounterVec
	recordsDropped      *prometheus.CounterVec
	requestsUntracked   *prometheus.CounterVec
	otelTraceExports    prometheus.Counter
	otelTraceExportErrs *prometheus.CounterVec
	instrumentedProcs   *prometheus.GaugeVec
}

func NewPrometheusReporter(cfg *PrometheusConfig, manager *connector.PrometheusManager) *PrometheusReporter {
	pr := &PrometheusReporter{
		connector: manager,
		tracerFlushes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracer_flushes",
			Help:    "length of the groups of traces flushed from the tracers to the next pipeline stage",
			Buckets: pipelineBufferLengths,
		}),
		probeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probe_events_total",
			Help: "number of times each interception point has fired",
		}, []string{"probe"}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_dropped_total",
			Help: "finished records discarded because the emission ring was full",
		}, []string{"family"}),
		requestsUntracked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_untracked_total",
			Help: "requests that could not be traced because the correlation table was full or their identity was unreadable",
		}, []string{"family"}),
		otelTraceExports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otel_trace_exports",
			Help: "length of the trace batches submitted to the remote OTEL collector",
		}),
		otelTraceExportErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otel_trace_export_errors",
			Help: "error count on each failed OTEL trace export",
		}, []string{"error"}),
		instrumentedProcs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instrumented_processes",
			Help: "instrumented processes",
		}, []string{"process_name"}),
	}
	manager.Register(cfg.Port, cfg.Path,
		pr.tracerFlushes,
		pr.probeEvents,
		pr.recordsDropped,
		pr.requestsUntracked,
		pr.otelTraceExports,
		pr.otelTraceExportErrs,
		pr.instrumentedProcs)

	return pr
}

func (p *PrometheusReporter) Start(ctx context.Context) {
	p.connector.StartHTTP(ctx)
}

func (p *PrometheusReporter) TracerFlush(len int) {
	p.tracerFlushes.Observe(float64(len))
}

func (p *PrometheusReporter) ProbeEvent(probe string) {
	p.probeEvents.WithLabelValues(probe).Inc()
}

func (p *PrometheusReporter) RecordDropped(family string) {
	p.recordsDropped.WithLabelValues(family).Inc()
}

func (p *PrometheusReporter) RequestUntracked(family string) {
	p.requestsUntracked.WithLabelValues(family).Inc()
}

func (p *PrometheusReporter) OTELTraceExport(len int) {
	p.otelTraceExports.Add(float64(len))
}

func (p *PrometheusReporter) OTELTraceExportError(err error) {
	p.otelTraceExportErrs.WithLabelValues(err.Error()).Inc()
}

func (p *PrometheusReporter) InstrumentProcess(processName string) {
	p.instrumentedProcs.WithLabelValues(processName).Inc()
}
