package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Protocol values for the OTEL_EXPORTER_OTLP_PROTOCOL and OTEL_EXPORTER_OTLP_TRACES_PROTOCOL
// standard configuration values
type Protocol string

const (
	ProtocolUnset        Protocol = ""
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

const (
	UsualPortGRPC = "4317"
	UsualPortHTTP = "4318"
)

const (
	envTracesProtocol = "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"
	envProtocol       = "OTEL_EXPORTER_OTLP_PROTOCOL"
)

// ServiceID identifies the instrumented process in the exported traces
type ServiceID struct {
	Name string
	Pid  uint32
}

func Resource(service ServiceID) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(service.Name),
		semconv.TelemetrySDKLanguageRust,
		// We set the SDK name so traces from the instrumenter can be told apart from other SDKs
		semconv.TelemetrySDKName("rust-autoinstrument"),
	}
	if service.Pid != 0 {
		attrs = append(attrs, semconv.ProcessPID(int(service.Pid)))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// ReporterPool keeps an LRU cache of different OTEL reporters given a service.
type ReporterPool[T any] struct {
	pool *simplelru.LRU[ServiceID, T]

	itemConstructor func(ServiceID) (T, error)
}

// NewReporterPool creates a ReporterPool instance given a cache length,
// an eviction callback to be invoked each time an element is removed
// from the cache, and a constructor function that will specify how to
// instantiate the generic OTEL reporter.
func NewReporterPool[T any](
	cacheLen int,
	callback simplelru.EvictCallback[ServiceID, T],
	itemConstructor func(id ServiceID) (T, error),
) ReporterPool[T] {
	pool, _ := simplelru.NewLRU[ServiceID, T](max(cacheLen, 1), callback)
	return ReporterPool[T]{pool: pool, itemConstructor: itemConstructor}
}

// For retrieves the associated item for the given service, or
// creates a new one if it does not exist
func (rp *ReporterPool[T]) For(service ServiceID) (T, error) {
	if m, ok := rp.pool.Get(service); ok {
		return m, nil
	}
	m, err := rp.itemConstructor(service)
	if err != nil {
		var t T
		return t, fmt.Errorf("creating resource for service %q: %w", service.Name, err)
	}
	rp.pool.Add(service, m)
	return m, nil
}

// Intermediate representation of option functions suitable for testing
type otlpOptions struct {
	Endpoint      string
	Insecure      bool
	URLPath       string
	SkipTLSVerify bool
	HTTPHeaders   map[string]string
}

func (o *otlpOptions) AsTraceHTTP() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if o.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(o.URLPath))
	}
	if o.SkipTLSVerify {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if len(o.HTTPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.HTTPHeaders))
	}
	return opts
}

func (o *otlpOptions) AsTraceGRPC() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if o.SkipTLSVerify {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})))
	}
	return opts
}

// LogrAdaptor allows using our on logger to peek any warning or error in the OTEL exporters
type LogrAdaptor struct {
	inner *slog.Logger
}

func SetupInternalOTELSDKLogger(levelStr string) {
	if levelStr == "" {
		return
	}
	log := slog.With("component", "otel.BatchSpanProcessor")
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(levelStr)); err != nil {
		log.Warn("can't setup internal SDK logger level value. Ignoring", "error", err)
		return
	}
	log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: &lvl,
	})).With("component", "otel.BatchSpanProcessor")
	otel.SetLogger(logr.New(&LogrAdaptor{inner: log}))
}

func (l *LogrAdaptor) Init(_ logr.RuntimeInfo) {}

// Enabled returns, according to OTEL internal description:
// To see Warn messages use a logger with `l.V(1).Enabled() == true`
// To see Info messages use a logger with `l.V(4).Enabled() == true`
// To see Debug messages use a logger with `l.V(8).Enabled() == true`.
// However, we "degrade" their info messages to our debug level,
// as they leak internal information that is not interesting for the final user.
func (l *LogrAdaptor) Enabled(level int) bool {
	if level < 4 {
		return l.inner.Enabled(context.TODO(), slog.LevelWarn)
	}
	return l.inner.Enabled(context.TODO(), slog.LevelDebug)
}

func (l *LogrAdaptor) Info(level int, msg string, keysAndValues ...any) {
	if level > 1 {
		l.inner.Debug(msg, keysAndValues...)
	} else {
		l.inner.Warn(msg, keysAndValues...)
	}
}

func (l *LogrAdaptor) Error(err error, msg string, keysAndValues ...any) {
	l.inner.Error(msg, append(keysAndValues, "error", err)...)
}

func (l *LogrAdaptor) WithValues(keysAndValues ...any) logr.LogSink {
	return &LogrAdaptor{inner: l.inner.With(keysAndValues...)}
}

func (l *LogrAdaptor) WithName(name string) logr.LogSink {
	return &LogrAdaptor{inner: l.inner.With("name", name)}
}
