package ebpfcommon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracerConfig_Defaults(t *testing.T) {
	cfg := TracerConfig{}
	assert.Equal(t, DefaultRingLength, cfg.RingLength())
	assert.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent())
	assert.Equal(t, 150, cfg.SpanIndexCapacity())

	cfg = TracerConfig{RingBufferLen: 64, MaxConcurrentRequests: 10}
	assert.Equal(t, 64, cfg.RingLength())
	assert.Equal(t, 10, cfg.MaxConcurrent())
	assert.Equal(t, 30, cfg.SpanIndexCapacity())
}

func TestTracerConfig_SymbolFor(t *testing.T) {
	cfg := TracerConfig{Symbols: map[string]string{
		"hyper_serve_connection": "hyper::server::conn::http1::Connection<T,S>::poll",
		"empty":                  "",
	}}
	assert.Equal(t, "hyper::server::conn::http1::Connection<T,S>::poll",
		cfg.SymbolFor("hyper_serve_connection", "default"))
	assert.Equal(t, "default", cfg.SymbolFor("empty", "default"))
	assert.Equal(t, "default", cfg.SymbolFor("unknown", "default"))
}

func TestProbeContext_Timestamp(t *testing.T) {
	assert.Equal(t, uint64(12345), (&ProbeContext{KTime: 12345}).Timestamp())
	assert.NotZero(t, (&ProbeContext{}).Timestamp())
}

func TestEnvironment_SpanContext(t *testing.T) {
	fixed := SpanContext{TraceID: [16]byte{1}, SpanID: [8]byte{2}}
	env := Environment{NewSpanContext: func() SpanContext { return fixed }}
	assert.Equal(t, fixed, env.SpanContext())

	sc := (&Environment{}).SpanContext()
	assert.True(t, sc.IsValid())
}
