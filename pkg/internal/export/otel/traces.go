package otel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	trace2 "go.opentelemetry.io/otel/trace"

	"github.com/grafana/rust-autoinstrument/pkg/internal/pipe/global"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/msg"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/swarm"
)

func tlog() *slog.Logger {
	return slog.With("component", "otel.TracesReporter")
}

// reporterName is the instrumentation scope of all the exported spans
const reporterName = "rust-auto-instrumentation"

const defaultShutdownTimeout = 10 * time.Second

type TracesConfig struct {
	CommonEndpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint string `yaml:"traces_endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`

	Protocol       Protocol `yaml:"protocol" env:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	TracesProtocol Protocol `yaml:"-" env:"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"`

	// Stdout prints the spans in the standard output instead of sending them to an OTLP endpoint
	Stdout bool `yaml:"stdout" env:"OTEL_STDOUT"`

	// InsecureSkipVerify is not standard, so we don't follow the same naming convention
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"RUST_AUTO_OTEL_INSECURE_SKIP_VERIFY"`

	MaxExportBatchSize int           `yaml:"max_export_batch_size" env:"RUST_AUTO_OTLP_TRACES_MAX_EXPORT_BATCH_SIZE"`
	MaxQueueSize       int           `yaml:"max_queue_size" env:"RUST_AUTO_OTLP_TRACES_MAX_QUEUE_SIZE"`
	BatchTimeout       time.Duration `yaml:"batch_timeout" env:"RUST_AUTO_OTLP_TRACES_BATCH_TIMEOUT"`
	ExportTimeout      time.Duration `yaml:"export_timeout" env:"RUST_AUTO_OTLP_TRACES_EXPORT_TIMEOUT"`

	ReportersCacheLen int `yaml:"reporters_cache_len" env:"RUST_AUTO_TRACES_REPORT_CACHE_LEN"`

	// SDKLogLevel works independently from the global LogLevel because it prints GBs of logs in Debug mode
	// and the Info messages leak internal details that are not usually valuable for the final user.
	SDKLogLevel string `yaml:"otel_sdk_log_level" env:"RUST_AUTO_OTEL_SDK_LOG_LEVEL"`

	// ShutdownTimeout bounds the time to flush the pending spans on exit. It is set from the
	// top-level configuration.
	ShutdownTimeout time.Duration `yaml:"-"`
}

// Enabled specifies that the OTEL traces node is enabled if and only if
// either an OTLP endpoint is defined or the stdout exporter is selected.
func (m *TracesConfig) Enabled() bool {
	return m.Stdout || m.CommonEndpoint != "" || m.TracesEndpoint != ""
}

func (m *TracesConfig) GetProtocol() Protocol {
	if m.TracesProtocol != "" {
		return m.TracesProtocol
	}
	if m.Protocol != "" {
		return m.Protocol
	}
	return m.GuessProtocol()
}

func (m *TracesConfig) GuessProtocol() Protocol {
	// If no explicit protocol is set, we guess it from the endpoint port
	// (assuming it uses a standard port or a development-like form like 14317, 24317, 14318...)
	ep, _, err := parseTracesEndpoint(m)
	if err == nil {
		if strings.HasSuffix(ep.Port(), UsualPortGRPC) {
			return ProtocolGRPC
		} else if strings.HasSuffix(ep.Port(), UsualPortHTTP) {
			return ProtocolHTTPProtobuf
		}
	}
	// Otherwise we return default protocol according to the latest specification:
	// https://github.com/open-telemetry/opentelemetry-specification/blob/main/specification/protocol/exporter.md?plain=1#L53
	return ProtocolHTTPProtobuf
}

func (m *TracesConfig) shutdownTimeout() time.Duration {
	if m.ShutdownTimeout > 0 {
		return m.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// TracesReporter receives request.Span instances and forwards them as OTEL traces.
type TracesReporter struct {
	cfg           *TracesConfig
	traceExporter trace.SpanExporter
	bsp           trace.SpanProcessor
	reporters     ReporterPool[*Tracers]
}

// Tracers handles the OTEL traces providers and exporters.
// There is a Tracers instance for each instrumented service.
type Tracers struct {
	provider *trace.TracerProvider
	tracer   trace2.Tracer
}

// TracesReceiver returns the pipeline node that exports the spans received from the input queue
func TracesReceiver(ctxInfo *global.ContextInfo, cfg *TracesConfig, input *msg.Queue[[]request.Span]) swarm.InstanceFunc {
	return func(ctx context.Context) (swarm.RunFunc, error) {
		if !cfg.Enabled() {
			return swarm.EmptyRunFunc()
		}
		SetupInternalOTELSDKLogger(cfg.SDKLogLevel)

		exporter, err := makeExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		tr := newTracesReporter(cfg, ctxInfo, exporter)
		in := input.Subscribe()
		return func(_ context.Context) {
			tr.reportTraces(in)
		}, nil
	}
}

func makeExporter(ctx context.Context, cfg *TracesConfig) (trace.SpanExporter, error) {
	log := tlog()
	if cfg.Stdout {
		log.Debug("instantiating stdout TracesReporter")
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("can't instantiate stdout traces exporter: %w", err)
		}
		return exporter, nil
	}
	switch proto := cfg.GetProtocol(); proto {
	case ProtocolHTTPJSON, ProtocolHTTPProtobuf, "":
		log.Debug("instantiating HTTP TracesReporter", "protocol", proto)
		exporter, err := httpTracer(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("can't instantiate OTEL HTTP traces exporter: %w", err)
		}
		return exporter, nil
	case ProtocolGRPC:
		log.Debug("instantiating GRPC TracesReporter", "protocol", proto)
		exporter, err := grpcTracer(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("can't instantiate OTEL GRPC traces exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("invalid protocol value: %q. Accepted values are: %s, %s, %s",
			proto, ProtocolGRPC, ProtocolHTTPJSON, ProtocolHTTPProtobuf)
	}
}

func newTracesReporter(cfg *TracesConfig, ctxInfo *global.ContextInfo, exporter trace.SpanExporter) *TracesReporter {
	log := tlog()
	r := TracesReporter{cfg: cfg}
	r.reporters = NewReporterPool[*Tracers](cfg.ReportersCacheLen,
		func(k ServiceID, v *Tracers) {
			llog := log.With("service", k.Name)
			llog.Debug("evicting traces reporter from cache")
			go func() {
				if err := v.provider.ForceFlush(context.Background()); err != nil {
					llog.Warn("error flushing evicted traces provider", "error", err)
				}
			}()
		}, r.newTracers)

	r.traceExporter = instrumentTraceExporter(exporter, ctxInfo.Metrics)

	var opts []trace.BatchSpanProcessorOption
	if cfg.MaxExportBatchSize > 0 {
		opts = append(opts, trace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	if cfg.MaxQueueSize > 0 {
		opts = append(opts, trace.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.BatchTimeout > 0 {
		opts = append(opts, trace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, trace.WithExportTimeout(cfg.ExportTimeout))
	}
	r.bsp = trace.NewBatchSpanProcessor(r.traceExporter, opts...)
	return &r
}

func httpTracer(ctx context.Context, cfg *TracesConfig) (*otlptrace.Exporter, error) {
	topts, err := getHTTPTracesEndpointOptions(cfg)
	if err != nil {
		return nil, err
	}
	texp, err := otlptracehttp.New(ctx, topts.AsTraceHTTP()...)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP trace exporter: %w", err)
	}
	return texp, nil
}

func grpcTracer(ctx context.Context, cfg *TracesConfig) (*otlptrace.Exporter, error) {
	topts, err := getGRPCTracesEndpointOptions(cfg)
	if err != nil {
		return nil, err
	}
	texp, err := otlptracegrpc.New(ctx, topts.AsTraceGRPC()...)
	if err != nil {
		return nil, fmt.Errorf("creating GRPC trace exporter: %w", err)
	}
	return texp, nil
}

func (r *TracesReporter) close() {
	log := tlog()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.shutdownTimeout())
	defer cancel()
	log.Debug("closing all the traces reporters")
	for _, key := range r.reporters.pool.Keys() {
		v, _ := r.reporters.pool.Get(key)
		log.Debug("shutting down traces provider", "service", key.Name)
		if err := v.provider.Shutdown(ctx); err != nil {
			log.Error("closing traces provider", "error", err)
		}
	}
	// the exporter is shut down by the span processor of the providers. If no provider
	// has been created, we need to shut it down explicitly.
	if r.reporters.pool.Len() == 0 {
		if err := r.bsp.Shutdown(ctx); err != nil {
			log.Error("closing traces exporter", "error", err)
		}
	}
}

// https://opentelemetry.io/docs/specs/semconv/http/http-spans/#status
func httpSpanStatusCode(span *request.Span) codes.Code {
	if span.Status < 500 {
		return codes.Unset
	}
	return codes.Error
}

// https://opentelemetry.io/docs/specs/semconv/rpc/grpc/#grpc-status
func grpcSpanStatusCode(span *request.Span) codes.Code {
	if span.Type == request.EventTypeGRPCClient {
		if span.Status == int(semconv.RPCGRPCStatusCodeOk.Value.AsInt64()) {
			return codes.Unset
		}
		return codes.Error
	}

	switch int64(span.Status) {
	case semconv.RPCGRPCStatusCodeUnknown.Value.AsInt64(),
		semconv.RPCGRPCStatusCodeDeadlineExceeded.Value.AsInt64(),
		semconv.RPCGRPCStatusCodeUnimplemented.Value.AsInt64(),
		semconv.RPCGRPCStatusCodeInternal.Value.AsInt64(),
		semconv.RPCGRPCStatusCodeUnavailable.Value.AsInt64(),
		semconv.RPCGRPCStatusCodeDataLoss.Value.AsInt64():
		return codes.Error
	}

	return codes.Unset
}

func SpanStatusCode(span *request.Span) codes.Code {
	switch span.Type {
	case request.EventTypeHTTP:
		return httpSpanStatusCode(span)
	case request.EventTypeGRPC, request.EventTypeGRPCClient:
		return grpcSpanStatusCode(span)
	}
	return codes.Unset
}

func SpanKind(span *request.Span) trace2.SpanKind {
	switch {
	case span.IsClientSpan():
		return trace2.SpanKindClient
	case span.Type == request.EventTypeHTTP, span.Type == request.EventTypeGRPC:
		return trace2.SpanKindServer
	}
	return trace2.SpanKindInternal
}

func TraceAttributes(span *request.Span) []attribute.KeyValue {
	var attrs []attribute.KeyValue

	switch span.Type {
	case request.EventTypeHTTP:
		attrs = []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(span.Method),
			semconv.HTTPResponseStatusCode(span.Status),
			semconv.URLPath(span.Path),
		}
	case request.EventTypeGRPC, request.EventTypeGRPCClient:
		attrs = []attribute.KeyValue{
			semconv.RPCSystemGRPC,
			semconv.RPCGRPCStatusCodeKey.Int(span.Status),
		}
		if span.Path != "" {
			attrs = append(attrs, semconv.RPCService(span.Path))
		}
		if span.Method != "" {
			attrs = append(attrs, semconv.RPCMethod(span.Method))
		}
	}

	return attrs
}

func TraceName(span *request.Span) string {
	switch span.Type {
	case request.EventTypeHTTP:
		if span.Method == "" {
			return "HTTP"
		}
		return span.Method
	case request.EventTypeGRPC, request.EventTypeGRPCClient:
		if name := span.RPCName(); name != "" {
			return name
		}
		return "gRPC"
	}
	return ""
}

func (r *TracesReporter) makeSpan(parentCtx context.Context, tracer trace2.Tracer, span *request.Span) {
	t := span.Timings()

	// We set the trace_id and span_id generated at the interception points as the span identifiers
	if span.TraceID.IsValid() && span.SpanID.IsValid() {
		parentCtx = ContextWithTraceParent(parentCtx, span.TraceID, span.SpanID)
	}

	_, sp := tracer.Start(parentCtx, TraceName(span),
		trace2.WithTimestamp(t.Start),
		trace2.WithSpanKind(SpanKind(span)),
		trace2.WithAttributes(TraceAttributes(span)...),
	)
	sp.SetStatus(SpanStatusCode(span), "")
	sp.End(trace2.WithTimestamp(t.End))
}

func (r *TracesReporter) reportTraces(input <-chan []request.Span) {
	defer r.close()
	var lastSvc ServiceID
	var reporter trace2.Tracer
	for spans := range input {
		for i := range spans {
			span := &spans[i]
			svc := ServiceID{Name: span.ServiceName, Pid: span.Pid}
			// consecutive spans usually belong to the same service, so we avoid looking up the pool
			if svc != lastSvc || reporter == nil {
				lm, err := r.reporters.For(svc)
				if err != nil {
					tlog().Error("unexpected error creating OTEL resource. Ignoring trace",
						"error", err, "service", svc.Name)
					continue
				}
				lastSvc = svc
				reporter = lm.tracer
			}
			r.makeSpan(context.Background(), reporter, span)
		}
	}
}

func (r *TracesReporter) newTracers(service ServiceID) (*Tracers, error) {
	tlog().Debug("creating new Tracers reporter", "service", service.Name)
	tracers := Tracers{
		provider: trace.NewTracerProvider(
			trace.WithResource(Resource(service)),
			trace.WithSpanProcessor(r.bsp),
			trace.WithSampler(trace.AlwaysSample()),
			trace.WithIDGenerator(&SensorIDGenerator{}),
		),
	}
	tracers.tracer = tracers.provider.Tracer(reporterName)
	return &tracers, nil
}

// the endpoint is defined from one of the following sources, from highest to lowest priority
// - OTEL_EXPORTER_OTLP_TRACES_ENDPOINT, if defined
// - OTEL_EXPORTER_OTLP_ENDPOINT, if defined
func parseTracesEndpoint(cfg *TracesConfig) (*url.URL, bool, error) {
	isCommon := false
	endpoint := cfg.TracesEndpoint
	if endpoint == "" {
		isCommon = true
		endpoint = cfg.CommonEndpoint
	}

	murl, err := url.Parse(endpoint)
	if err != nil {
		return nil, isCommon, fmt.Errorf("parsing endpoint URL %s: %w", endpoint, err)
	}
	if murl.Scheme == "" || murl.Host == "" {
		return nil, isCommon, fmt.Errorf("URL %q must have a scheme and a host", endpoint)
	}
	return murl, isCommon, nil
}

func getHTTPTracesEndpointOptions(cfg *TracesConfig) (otlpOptions, error) {
	opts := otlpOptions{}
	log := tlog().With("transport", "http")

	murl, isCommon, err := parseTracesEndpoint(cfg)
	if err != nil {
		return opts, err
	}

	log.Debug("Configuring exporter", "protocol",
		cfg.Protocol, "tracesProtocol", cfg.TracesProtocol, "endpoint", murl.Host)
	setTracesProtocol(cfg)
	opts.Endpoint = murl.Host
	if murl.Scheme == "http" || murl.Scheme == "unix" {
		log.Debug("Specifying insecure connection", "scheme", murl.Scheme)
		opts.Insecure = true
	}
	// If the value is set from the OTEL_EXPORTER_OTLP_ENDPOINT common property, we need to add /v1/traces to the path
	// otherwise, we leave the path that is explicitly set by the user
	opts.URLPath = murl.Path
	if isCommon {
		if strings.HasSuffix(opts.URLPath, "/") {
			opts.URLPath += "v1/traces"
		} else {
			opts.URLPath += "/v1/traces"
		}
		log.Debug("Specifying path", "path", opts.URLPath)
	}

	if cfg.InsecureSkipVerify {
		log.Debug("Setting InsecureSkipVerify")
		opts.SkipTLSVerify = true
	}

	return opts, nil
}

func getGRPCTracesEndpointOptions(cfg *TracesConfig) (otlpOptions, error) {
	opts := otlpOptions{}
	log := tlog().With("transport", "grpc")
	murl, _, err := parseTracesEndpoint(cfg)
	if err != nil {
		return opts, err
	}

	log.Debug("Configuring exporter", "protocol",
		cfg.Protocol, "tracesProtocol", cfg.TracesProtocol, "endpoint", murl.Host)
	opts.Endpoint = murl.Host
	if murl.Scheme == "http" || murl.Scheme == "unix" {
		log.Debug("Specifying insecure connection", "scheme", murl.Scheme)
		opts.Insecure = true
	}

	if cfg.InsecureSkipVerify {
		log.Debug("Setting InsecureSkipVerify")
		opts.SkipTLSVerify = true
	}

	return opts, nil
}

// the otlptracehttp API does not support explicitly setting the protocol, which is read from
// the environment. If the user supplied the value via configuration file, we override the environment.
func setTracesProtocol(cfg *TracesConfig) {
	if _, ok := os.LookupEnv(envTracesProtocol); ok {
		return
	}
	if _, ok := os.LookupEnv(envProtocol); ok {
		return
	}
	if cfg.TracesProtocol != "" {
		os.Setenv(envTracesProtocol, string(cfg.TracesProtocol))
		return
	}
	if cfg.Protocol != "" {
		os.Setenv(envProtocol, string(cfg.Protocol))
		return
	}
	// unset. Guessing it
	os.Setenv(envTracesProtocol, string(cfg.GuessProtocol()))
}
