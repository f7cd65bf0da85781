package tonic

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/internal/testutil"
)

const (
	servicePtrPos = 0x20
	methodPtrPos  = 0x40
)

type testEnv struct {
	tracer  *Tracer
	mem     *testutil.FakeMemory
	index   *ebpfcommon.Table[uint64, ebpfcommon.SpanContext]
	metrics *untrackedMetrics
}

func newTestEnv(t *testing.T, cfg *ebpfcommon.TracerConfig) *testEnv {
	mem := testutil.NewFakeMemory()
	args, err := ebpfcommon.NewArgumentSource("amd64", mem)
	require.NoError(t, err)
	te := &testEnv{mem: mem, index: ebpfcommon.NewSpanIndex(150), metrics: &untrackedMetrics{}}
	te.tracer, err = New(cfg, &ebpfcommon.Environment{
		Args:      args,
		Memory:    mem,
		SpanIndex: te.index,
	}, te.metrics)
	require.NoError(t, err)
	consts := te.tracer.Constants(offsets.New(map[string]offsets.FieldOffsets{
		offsets.ProtocolTonic: {"service_ptr_pos": servicePtrPos, "method_ptr_pos": methodPtrPos},
	}))
	assert.Equal(t, map[string]any{"service_ptr_pos": uint64(servicePtrPos), "method_ptr_pos": uint64(methodPtrPos)}, consts)
	return te
}

// amd64 calling convention: the first argument is in rdi (word 14 of pt_regs)
func entry(arg1, ktime uint64) *ebpfcommon.ProbeContext {
	ctx := &ebpfcommon.ProbeContext{KTime: ktime}
	ctx.Regs[14] = arg1
	return ctx
}

func exit(arg1, ktime uint64) *ebpfcommon.ProbeContext {
	ctx := &ebpfcommon.ProbeContext{KTime: ktime}
	ctx.Stack[1] = arg1
	return ctx
}

func (te *testEnv) client(selfPtr uint64, service, method string) {
	te.mem.Write(selfPtr+0x1000, []byte(service))
	te.mem.WriteString(selfPtr, servicePtrPos, selfPtr+0x1000, uint64(len(service)))
	te.mem.Write(selfPtr+0x2000, []byte(method))
	te.mem.WriteString(selfPtr, methodPtrPos, selfPtr+0x2000, uint64(len(method)))
}

func (te *testEnv) readRecord(t *testing.T) ebpfcommon.GRPCRequestTrace {
	t.Helper()
	require.Equal(t, 1, te.tracer.ring.Len(), "expected one emitted record")
	rec, err := te.tracer.ring.Read()
	require.NoError(t, err)
	ev, err := ebpfcommon.Read[ebpfcommon.GRPCRequestTrace](&rec)
	require.NoError(t, err)
	return ev
}

func TestClientCall(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{})
	call := te.tracer.Probes()[defaultSymbols[ProbeClientCall]]
	te.client(0xBB, "pkg.Svc", "Call")

	call.Start(entry(0xBB, 5_000))
	sc, ok := te.index.Get(0xBB)
	require.True(t, ok)
	call.End(exit(0xBB, 9_000))

	ev := te.readRecord(t)
	assert.Equal(t, uint8(request.EventTypeGRPCClient), ev.Type)
	assert.Equal(t, "pkg.Svc", ebpfcommon.CString(ev.Service[:]))
	assert.Equal(t, "Call", ebpfcommon.CString(ev.Method[:]))
	assert.EqualValues(t, 5_000, ev.StartMonotimeNs)
	assert.EqualValues(t, 9_000, ev.EndMonotimeNs)
	assert.Equal(t, sc, ev.SpanContext)

	_, ok = te.index.Get(0xBB)
	assert.False(t, ok)
	assert.Zero(t, te.tracer.calls.Len())
}

func TestClientCall_Truncation(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{})
	call := te.tracer.Probes()[defaultSymbols[ProbeClientCall]]
	longService := "com.example." + strings.Repeat("nested.", 50) + "Svc"
	te.client(0xBB, longService, "AVeryLongMethodNameForTesting")

	call.Start(entry(0xBB, 1))
	call.End(exit(0xBB, 2))

	ev := te.readRecord(t)
	assert.Equal(t, []byte(longService[:ebpfcommon.MaxServiceSize]), ev.Service[:])
	assert.Equal(t, []byte("AVeryLongMethodN"), ev.Method[:])
}

func TestClientCall_UnreadableService(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{})
	call := te.tracer.Probes()[defaultSymbols[ProbeClientCall]]
	te.client(0xBB, "pkg.Svc", "Call")
	// null service pointer
	te.mem.WriteString(0xBB, servicePtrPos, 0, 7)

	call.Start(entry(0xBB, 1))
	call.End(exit(0xBB, 2))

	// the other fields are still extracted
	ev := te.readRecord(t)
	assert.Empty(t, ebpfcommon.CString(ev.Service[:]))
	assert.Equal(t, "Call", ebpfcommon.CString(ev.Method[:]))
}

func TestServerServe(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{})
	serve := te.tracer.Probes()[defaultSymbols[ProbeServerServe]]
	// even if the object holds readable strings, the server does not extract them
	te.client(0xCC, "pkg.Svc", "Call")

	serve.Start(entry(0xCC, 100))
	serve.End(exit(0xCC, 250))

	ev := te.readRecord(t)
	assert.Equal(t, uint8(request.EventTypeGRPC), ev.Type)
	assert.Empty(t, ebpfcommon.CString(ev.Service[:]))
	assert.Empty(t, ebpfcommon.CString(ev.Method[:]))
	assert.EqualValues(t, 150, ev.EndMonotimeNs-ev.StartMonotimeNs)
	assert.True(t, ev.SpanContext.IsValid())
}

func TestUnknownIdentity(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{})
	probes := te.tracer.Probes()
	probes[defaultSymbols[ProbeServerServe]].End(exit(0xDD, 2))
	probes[defaultSymbols[ProbeClientCall]].End(exit(0xDD, 2))
	probes[defaultSymbols[ProbeClientCall]].End(exit(0, 2))
	assert.Zero(t, te.tracer.ring.Len())
	assert.Zero(t, te.tracer.calls.Len())
}

func TestSharedTableCapacity(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{MaxConcurrentRequests: 4})
	probes := te.tracer.Probes()
	serve, call := probes[defaultSymbols[ProbeServerServe]], probes[defaultSymbols[ProbeClientCall]]

	serve.Start(entry(0x10, 1))
	serve.Start(entry(0x20, 1))
	call.Start(entry(0x30, 1))
	call.Start(entry(0x40, 1))
	assert.Equal(t, 4, te.tracer.calls.Len())

	// both server and client compete for the same table
	serve.Start(entry(0x50, 1))
	call.Start(entry(0x60, 1))
	assert.Equal(t, 4, te.tracer.calls.Len())
	assert.Equal(t, 2, te.metrics.count())
	_, ok := te.index.Get(0x50)
	assert.False(t, ok)

	call.End(exit(0x60, 2))
	assert.Zero(t, te.tracer.ring.Len())

	// server and client records share the emission ring
	serve.End(exit(0x10, 2))
	call.End(exit(0x30, 2))
	assert.Equal(t, 2, te.tracer.ring.Len())
}

func TestRun(t *testing.T) {
	te := newTestEnv(t, &ebpfcommon.TracerConfig{BatchLength: 2})
	out := make(chan []request.Span, 10)
	go te.tracer.Run(t.Context(), out)

	probes := te.tracer.Probes()
	te.client(0xBB, "pkg.Svc", "Call")
	probes[defaultSymbols[ProbeClientCall]].Start(entry(0xBB, 100))
	probes[defaultSymbols[ProbeServerServe]].Start(entry(0xCC, 150))
	probes[defaultSymbols[ProbeServerServe]].End(exit(0xCC, 170))
	probes[defaultSymbols[ProbeClientCall]].End(exit(0xBB, 200))

	spans := testutil.ReadChannel(t, out, 5*time.Second)
	require.Len(t, spans, 2)
	assert.Equal(t, request.EventTypeGRPC, spans[0].Type)
	assert.Equal(t, request.EventTypeGRPCClient, spans[1].Type)
	assert.Equal(t, "pkg.Svc/Call", spans[1].RPCName())
}

type untrackedMetrics struct {
	imetrics.NoopReporter
	mt        sync.Mutex
	untracked int
}

func (m *untrackedMetrics) RequestUntracked(_ string) {
	m.mt.Lock()
	defer m.mt.Unlock()
	m.untracked++
}

func (m *untrackedMetrics) count() int {
	m.mt.Lock()
	defer m.mt.Unlock()
	return m.untracked
}
