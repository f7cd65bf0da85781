package ebpf

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/exec"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/internal/testutil"
)

const testTimeout = 5 * time.Second

func noop(_ *ebpfcommon.ProbeContext) {}

type fakeTracer struct {
	family    string
	probes    map[string]ebpfcommon.FunctionPrograms
	constants int
	closers   []io.Closer
	spans     []request.Span
}

func (f *fakeTracer) Family() string { return f.family }

func (f *fakeTracer) Constants(_ *offsets.Offsets) map[string]any {
	f.constants++
	return map[string]any{}
}

func (f *fakeTracer) Probes() map[string]ebpfcommon.FunctionPrograms { return f.probes }

func (f *fakeTracer) AddCloser(c ...io.Closer) { f.closers = append(f.closers, c...) }

func (f *fakeTracer) Run(ctx context.Context, out chan<- []request.Span) {
	if len(f.spans) > 0 {
		out <- f.spans
	}
	<-ctx.Done()
}

type fakeAttacher struct {
	mt       sync.Mutex
	attached map[string]exec.FuncOffsets
	failOn   string
	runErr   error
	closed   bool
}

func (f *fakeAttacher) Attach(funcName string, offs exec.FuncOffsets, _ ebpfcommon.FunctionPrograms) error {
	if funcName == f.failOn {
		return errors.New("can't attach")
	}
	f.mt.Lock()
	defer f.mt.Unlock()
	if f.attached == nil {
		f.attached = map[string]exec.FuncOffsets{}
	}
	f.attached[funcName] = offs
	return nil
}

func (f *fakeAttacher) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeAttacher) Close() error {
	f.mt.Lock()
	defer f.mt.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAttacher) isClosed() bool {
	f.mt.Lock()
	defer f.mt.Unlock()
	return f.closed
}

func httpTracer() *fakeTracer {
	return &fakeTracer{family: "http", probes: map[string]ebpfcommon.FunctionPrograms{
		"serve_connection": {Required: true, Start: noop, End: noop},
		"method":           {Start: noop},
		"uri":              {Start: noop},
	}}
}

func grpcTracer() *fakeTracer {
	return &fakeTracer{family: "grpc", probes: map[string]ebpfcommon.FunctionPrograms{
		"server_unary": {Start: noop, End: noop},
		"client_unary": {Start: noop, End: noop},
	}}
}

func TestInstrument(t *testing.T) {
	http, grpc := httpTracer(), grpcTracer()
	attacher := &fakeAttacher{}
	pt := ProcessTracer{
		Tracers: []Tracer{http, grpc},
		ELFInfo: &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: exec.Functions{
			"serve_connection": {Start: 0x100},
			"method":           {Start: 0x200},
			"server_unary":     {Start: 0x300},
			"unrelated":        {Start: 0x400},
		},
		Attacher: attacher,
	}
	active, err := pt.Instrument()
	require.NoError(t, err)
	assert.Equal(t, []Tracer{http, grpc}, active)
	assert.Equal(t, map[string]exec.FuncOffsets{
		"serve_connection": {Start: 0x100},
		"method":           {Start: 0x200},
		"server_unary":     {Start: 0x300},
	}, attacher.attached)
	assert.Equal(t, 1, http.constants)
	assert.Equal(t, 1, grpc.constants)
}

func TestInstrument_MissingRequired(t *testing.T) {
	http, grpc := httpTracer(), grpcTracer()
	attacher := &fakeAttacher{}
	pt := ProcessTracer{
		Tracers: []Tracer{http, grpc},
		ELFInfo: &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: exec.Functions{
			"method":       {Start: 0x200},
			"uri":          {Start: 0x300},
			"client_unary": {Start: 0x400},
		},
		Attacher: attacher,
	}
	active, err := pt.Instrument()
	require.NoError(t, err)
	assert.Equal(t, []Tracer{grpc}, active)
	assert.Equal(t, map[string]exec.FuncOffsets{"client_unary": {Start: 0x400}}, attacher.attached)
	assert.Zero(t, http.constants)
}

func TestInstrument_NothingFound(t *testing.T) {
	pt := ProcessTracer{
		Tracers:   []Tracer{httpTracer(), grpcTracer()},
		ELFInfo:   &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: exec.Functions{"main": {Start: 0x10}},
		Attacher:  &fakeAttacher{},
	}
	_, err := pt.Instrument()
	assert.ErrorIs(t, err, ErrNothingToInstrument)
}

func TestInstrument_AttachErrors(t *testing.T) {
	funcs := exec.Functions{
		"serve_connection": {Start: 0x100},
		"method":           {Start: 0x200},
	}
	// optional functions failing to attach are ignored
	pt := ProcessTracer{
		Tracers:   []Tracer{httpTracer()},
		ELFInfo:   &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: funcs,
		Attacher:  &fakeAttacher{failOn: "method"},
	}
	active, err := pt.Instrument()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// required functions failing to attach abort the instrumentation
	pt.Attacher = &fakeAttacher{failOn: "serve_connection"}
	_, err = pt.Instrument()
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	http := httpTracer()
	http.spans = []request.Span{{Type: request.EventTypeHTTP, Method: "GET", Path: "/"}}
	attacher := &fakeAttacher{}
	pt := ProcessTracer{
		Tracers:   []Tracer{http},
		ELFInfo:   &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: exec.Functions{"serve_connection": {Start: 0x100}},
		Attacher:  attacher,
	}
	_, err := pt.Instrument()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	out := make(chan []request.Span, 10)
	done := make(chan error, 1)
	go func() { done <- pt.Run(ctx, out) }()

	spans := testutil.ReadChannel(t, out, testTimeout)
	assert.Equal(t, http.spans, spans)

	cancel()
	require.NoError(t, testutil.ReadChannel(t, done, testTimeout))
	assert.True(t, attacher.isClosed())
}

func TestRun_AttacherFails(t *testing.T) {
	attacher := &fakeAttacher{runErr: errors.New("ring buffer closed")}
	pt := ProcessTracer{
		Tracers:   []Tracer{httpTracer()},
		ELFInfo:   &exec.FileInfo{CmdExePath: "/server", Pid: 123},
		Functions: exec.Functions{"serve_connection": {Start: 0x100}},
		Attacher:  attacher,
	}
	_, err := pt.Instrument()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pt.Run(t.Context(), make(chan []request.Span, 10)) }()
	// the failure of the attacher stops all the tracers
	assert.Error(t, testutil.ReadChannel(t, done, testTimeout))
	assert.True(t, attacher.isClosed())
}
