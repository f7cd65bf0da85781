package request

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gavv/monotime"
	"go.opentelemetry.io/otel/trace"
)

type EventType uint8

// The following values are also written as the first byte of each record
// emitted by the tracers
const (
	EventTypeHTTP EventType = iota + 1
	EventTypeGRPC
	EventTypeGRPCClient
)

func (t EventType) String() string {
	switch t {
	case EventTypeHTTP:
		return "HTTP"
	case EventTypeGRPC:
		return "GRPC"
	case EventTypeGRPCClient:
		return "GRPCClient"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", t)
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

type converter struct {
	clock     func() time.Time
	monoClock func() time.Duration
}

var clocks = converter{monoClock: monotime.Now, clock: time.Now}

// Span contains the information being submitted by the following nodes in the graph.
// It enables comfortable handling of data from Go.
type Span struct {
	Type EventType
	// Method is the HTTP method for HTTP spans, and the RPC method for gRPC spans
	Method string
	// Path is the URL path for HTTP spans, and the service name for gRPC spans
	Path   string
	Status int
	// Start and End are monotonic timestamps, in nanoseconds
	Start   int64
	End     int64
	TraceID trace.TraceID
	SpanID  trace.SpanID
	// Pid of the instrumented process
	Pid         uint32
	ServiceName string
}

type Timings struct {
	Start time.Time
	End   time.Time
}

// Timings converts the monotonic timestamps of the span into wall-clock times
func (s *Span) Timings() Timings {
	now := clocks.clock()
	monoNow := clocks.monoClock()
	startDelta := monoNow - time.Duration(s.Start)
	endDelta := monoNow - time.Duration(s.End)

	return Timings{
		Start: now.Add(-startDelta),
		End:   now.Add(-endDelta),
	}
}

func (s *Span) Duration() time.Duration {
	return time.Duration(s.End - s.Start)
}

func (s *Span) IsValid() bool {
	if (len(s.Method) > 0 && !utf8.ValidString(s.Method)) ||
		(len(s.Path) > 0 && !utf8.ValidString(s.Path)) {
		return false
	}

	if s.Start == 0 || s.End < s.Start {
		return false
	}

	return true
}

func (s *Span) IsClientSpan() bool {
	return s.Type == EventTypeGRPCClient
}

// RPCName returns the full name of a gRPC call, as service/method
func (s *Span) RPCName() string {
	switch {
	case s.Path != "" && s.Method != "":
		return s.Path + "/" + s.Method
	case s.Path != "":
		return s.Path
	default:
		return s.Method
	}
}
