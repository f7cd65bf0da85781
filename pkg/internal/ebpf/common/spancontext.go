package ebpfcommon

import (
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"

	"go.opentelemetry.io/otel/trace"
)

const (
	TraceIDSize    = 16
	SpanIDSize     = 8
	TraceIDHexSize = TraceIDSize * 2
	SpanIDHexSize  = SpanIDSize * 2
)

// SpanContext identifies one request within a distributed trace. It carries the
// precomputed lowercase hexadecimal forms of both identifiers so that the
// consumers never need to encode them again. Its layout is fixed, since it is
// embedded as is into the emitted records.
type SpanContext struct {
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	TraceIDHex [TraceIDHexSize]byte
	SpanIDHex  [SpanIDHexSize]byte
}

// SpanContextGenerator returns a new SpanContext each time it is invoked.
type SpanContextGenerator func() SpanContext

// NewSpanContext fills the trace and span identifiers with independent
// pseudo-random values. It never fails.
func NewSpanContext() SpanContext {
	sc := SpanContext{}
	binary.LittleEndian.PutUint64(sc.TraceID[:8], rand.Uint64())
	binary.LittleEndian.PutUint64(sc.TraceID[8:], rand.Uint64())
	binary.LittleEndian.PutUint64(sc.SpanID[:], rand.Uint64())
	hex.Encode(sc.TraceIDHex[:], sc.TraceID[:])
	hex.Encode(sc.SpanIDHex[:], sc.SpanID[:])
	return sc
}

func (sc *SpanContext) TraceIDString() string {
	return string(sc.TraceIDHex[:])
}

func (sc *SpanContext) SpanIDString() string {
	return string(sc.SpanIDHex[:])
}

func (sc *SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}
