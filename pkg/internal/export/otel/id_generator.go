package otel

import (
	"context"
	"encoding/binary"
	"math/rand/v2"

	"go.opentelemetry.io/otel/trace"
)

// SensorIDGenerator makes the exported spans keep the trace and span IDs that were
// generated at the interception points, so they match the values that the instrumented
// process could observe through the span index.
type SensorIDGenerator struct{}

type traceAndSpanKey struct{}

type idPair struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

func ContextWithTraceParent(parent context.Context, traceID trace.TraceID, spanID trace.SpanID) context.Context {
	return context.WithValue(parent, traceAndSpanKey{}, idPair{traceID: traceID, spanID: spanID})
}

func currentTraceAndSpan(ctx context.Context) (idPair, bool) {
	pair, ok := ctx.Value(traceAndSpanKey{}).(idPair)
	return pair, ok
}

func randomTraceID() trace.TraceID {
	t := trace.TraceID{}
	binary.LittleEndian.PutUint64(t[:8], rand.Uint64())
	binary.LittleEndian.PutUint64(t[8:], rand.Uint64())
	return t
}

func randomSpanID() trace.SpanID {
	s := trace.SpanID{}
	binary.LittleEndian.PutUint64(s[:], rand.Uint64())
	return s
}

func (e *SensorIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	pair, ok := currentTraceAndSpan(ctx)
	if !ok || !pair.traceID.IsValid() || !pair.spanID.IsValid() {
		return randomTraceID(), randomSpanID()
	}
	return pair.traceID, pair.spanID
}

func (e *SensorIDGenerator) NewSpanID(ctx context.Context, _ trace.TraceID) trace.SpanID {
	pair, ok := currentTraceAndSpan(ctx)
	if !ok || !pair.spanID.IsValid() {
		return randomSpanID()
	}
	return pair.spanID
}
