package debug

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/msg"
)

func TestPrinterNode(t *testing.T) {
	input := msg.NewQueue[[]request.Span](msg.ChannelBufferLen(10))
	out := &bytes.Buffer{}
	run, err := printerNode(true, input, out)(t.Context())
	require.NoError(t, err)

	input.Send([]request.Span{{
		Type: request.EventTypeHTTP, Method: "GET", Path: "/users", Status: 200,
		Start: 1000, End: 1500, ServiceName: "front", Pid: 33,
		TraceID: trace.TraceID{0xab, 0x01}, SpanID: trace.SpanID{0xcd, 0x02},
	}, {
		Type: request.EventTypeGRPCClient, Path: "pkg.Svc", Method: "Call",
		Start: 1000, End: 3000,
	}})
	input.Close()

	done := make(chan struct{})
	go func() {
		run(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("printer node did not finish after closing its input")
	}

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "(500ns) HTTP 200 GET /users svc=[front pid=33]")
	assert.Contains(t, string(lines[0]), "trace_id=[ab010000000000000000000000000000] span_id=[cd02000000000000]")
	assert.Contains(t, string(lines[1]), "(2µs) GRPCClient 0 Call pkg.Svc/Call")
}

func TestPrinterNode_Disabled(t *testing.T) {
	input := msg.NewQueue[[]request.Span]()
	run, err := PrinterNode(false, input)(t.Context())
	require.NoError(t, err)
	// no subscription: sending must not block
	input.Send([]request.Span{{Type: request.EventTypeHTTP}})
	run(t.Context())
}
