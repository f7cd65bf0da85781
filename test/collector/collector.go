// Package collector implements a test OTEL collector to use in unit tests
package collector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
)

// TraceRecord is a simplified view of each received span
type TraceRecord struct {
	Name       string
	Kind       ptrace.SpanKind
	TraceID    string
	SpanID     string
	Service    string
	Attributes map[string]string
}

// TestCollector is a dummy OTLP/HTTP test collector that allows retrieving the collected spans.
// Useful for unit testing
type TestCollector struct {
	ServerEndpoint string
	TraceRecords   chan TraceRecord
}

func log() *slog.Logger {
	return slog.With("component", "collector.TestCollector")
}

// Start a test collector that listens until the passed context is cancelled
func Start(ctx context.Context) (*TestCollector, error) {
	tc := TestCollector{
		TraceRecords: make(chan TraceRecord, 100),
	}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, err := io.ReadAll(request.Body)
		if err != nil {
			log().Error("reading request body", "error", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		if request.URL.Path == "/v1/traces" {
			tc.traceEvent(writer, body)
			return
		}
		log().Info("unknown path " + request.URL.String())
		writer.WriteHeader(http.StatusNotFound)
	}))

	tc.ServerEndpoint = server.URL

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	return &tc, nil
}

func (tc *TestCollector) traceEvent(writer http.ResponseWriter, body []byte) {
	req := ptraceotlp.NewExportRequest()
	if err := req.UnmarshalProto(body); err != nil {
		log().Error("unmarshalling protobuf event", "error", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	writer.WriteHeader(http.StatusOK)

	forEach[ptrace.ResourceSpans](req.Traces().ResourceSpans(), func(rs ptrace.ResourceSpans) {
		service := ""
		if sn, ok := rs.Resource().Attributes().Get("service.name"); ok {
			service = sn.AsString()
		}
		forEach[ptrace.ScopeSpans](rs.ScopeSpans(), func(ss ptrace.ScopeSpans) {
			forEach[ptrace.Span](ss.Spans(), func(s ptrace.Span) {
				tr := TraceRecord{
					Name:       s.Name(),
					Kind:       s.Kind(),
					TraceID:    s.TraceID().String(),
					SpanID:     s.SpanID().String(),
					Service:    service,
					Attributes: map[string]string{},
				}
				s.Attributes().Range(func(k string, v pcommon.Value) bool {
					tr.Attributes[k] = v.AsString()
					return true
				})
				tc.TraceRecords <- tr
			})
		})
	})
}

type slice[T any] interface {
	Len() int
	At(int) T
}

func forEach[T any](sl slice[T], fn func(T)) {
	for i := 0; i < sl.Len(); i++ {
		fn(sl.At(i))
	}
}
