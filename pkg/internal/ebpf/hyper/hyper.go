// Package hyper traces the HTTP requests served by the hyper library
package hyper

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
)

const family = "http"

// probe names, which can be used to override the instrumented symbols from the configuration
const (
	ProbeServeConnection = "hyper_serve_connection"
	ProbeRequestMethod   = "hyper_request_method"
	ProbeRequestURI      = "hyper_request_uri"
)

var defaultSymbols = map[string]string{
	ProbeServeConnection: "hyper::server::conn::Http<E>::serve_connection",
	ProbeRequestMethod:   "http::request::Request<T>::method",
	ProbeRequestURI:      "http::request::Request<T>::uri",
}

// Tracer for hyper HTTP servers. The handlers run when the captured context is dispatched,
// some time after the target hit the interception point: the strings behind the captured
// pointers are read at dispatch time, so they may have been freed or overwritten by then.
// Such reads fail or return later contents, and the request is kept without that field.
type Tracer struct {
	log     *slog.Logger
	cfg     *ebpfcommon.TracerConfig
	metrics imetrics.Reporter
	env     *ebpfcommon.Environment
	closers []io.Closer

	// requests in progress, keyed by the address of the connection object
	requests ebpfcommon.Store[uint64, ebpfcommon.HTTPRequestTrace]
	ring     *ebpfcommon.EmissionRing

	methodPtrPos uint64
	uriPtrPos    uint64
	pathPtrPos   uint64
}

func New(cfg *ebpfcommon.TracerConfig, env *ebpfcommon.Environment, metrics imetrics.Reporter) (*Tracer, error) {
	ring, err := ebpfcommon.NewEmissionRing(cfg.RingLength())
	if err != nil {
		return nil, fmt.Errorf("creating HTTP emission ring: %w", err)
	}
	return &Tracer{
		log:      slog.With("component", "hyper.Tracer"),
		cfg:      cfg,
		metrics:  metrics,
		env:      env,
		requests: ebpfcommon.NewTable[uint64, ebpfcommon.HTTPRequestTrace](cfg.MaxConcurrent()),
		ring:     ring,
	}, nil
}

func (p *Tracer) Family() string {
	return family
}

// Constants sets the field offsets for the hyper structures, and returns them for
// diagnostics purposes
func (p *Tracer) Constants(o *offsets.Offsets) map[string]any {
	p.methodPtrPos = o.Field(offsets.ProtocolHyper, "method_ptr_pos")
	p.uriPtrPos = o.Field(offsets.ProtocolHyper, "uri_ptr_pos")
	p.pathPtrPos = o.Field(offsets.ProtocolHyper, "path_ptr_pos")
	if missing := o.Missing(offsets.ProtocolHyper, "method_ptr_pos", "uri_ptr_pos", "path_ptr_pos"); len(missing) > 0 {
		p.log.Warn("field offsets not provided. Defaulting to zero", "fields", missing)
	}
	return map[string]any{
		"method_ptr_pos": p.methodPtrPos,
		"uri_ptr_pos":    p.uriPtrPos,
		"path_ptr_pos":   p.pathPtrPos,
	}
}

func (p *Tracer) AddCloser(c ...io.Closer) {
	p.closers = append(p.closers, c...)
}

// Probes returns the handlers for each instrumented function, keyed by its demangled symbol
func (p *Tracer) Probes() map[string]ebpfcommon.FunctionPrograms {
	return map[string]ebpfcommon.FunctionPrograms{
		p.cfg.SymbolFor(ProbeServeConnection, defaultSymbols[ProbeServeConnection]): {
			Required: true,
			Start:    p.serveConnection,
			End:      p.serveConnectionReturn,
		},
		p.cfg.SymbolFor(ProbeRequestMethod, defaultSymbols[ProbeRequestMethod]): {
			Start: p.requestMethod,
		},
		p.cfg.SymbolFor(ProbeRequestURI, defaultSymbols[ProbeRequestURI]): {
			Start: p.requestURI,
		},
	}
}

func (p *Tracer) Run(ctx context.Context, out chan<- []request.Span) {
	ebpfcommon.ForwardRingbuf(
		p.cfg,
		p.ring,
		ebpfcommon.ReadRecordAsSpan,
		p.log,
		p.metrics,
		p.closers...,
	)(ctx, out)
}

// serveConnection opens a request record, keyed by the connection object.
func (p *Tracer) serveConnection(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeServeConnection)
	selfPtr := p.env.Args.Arg(ctx, 1)
	if selfPtr == 0 {
		p.metrics.RequestUntracked(family)
		return
	}
	req := ebpfcommon.HTTPRequestTrace{
		Type:            uint8(request.EventTypeHTTP),
		StartMonotimeNs: ctx.Timestamp(),
		SpanContext:     p.env.SpanContext(),
	}
	if err := p.requests.Put(selfPtr, req); err != nil {
		p.metrics.RequestUntracked(family)
		return
	}
	_ = p.env.SpanIndex.Put(selfPtr, req.SpanContext)
}

// serveConnectionReturn closes the request record and emits it. The connection
// object is read from the stack, since the argument registers have been reused.
func (p *Tracer) serveConnectionReturn(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeServeConnection + "_return")
	selfPtr := p.env.Args.ArgFromStack(ctx, 1)
	if selfPtr == 0 {
		return
	}
	req, ok := p.requests.Get(selfPtr)
	if !ok {
		return
	}
	p.requests.Remove(selfPtr)
	p.env.SpanIndex.Remove(selfPtr)

	req.EndMonotimeNs = ctx.Timestamp()
	raw, err := ebpfcommon.EncodeRecord(&req)
	if err != nil {
		p.log.Debug("can't encode HTTP record", "error", err)
		return
	}
	if !p.ring.Emit(int(ctx.CPU), raw) {
		p.metrics.RecordDropped(family)
	}
}

// requestMethod copies the method of the request, when the target invokes its accessor.
func (p *Tracer) requestMethod(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeRequestMethod)
	reqPtr := p.env.Args.Arg(ctx, 1)
	if reqPtr == 0 {
		return
	}
	req, ok := p.requests.Get(reqPtr)
	if !ok {
		return
	}
	var method [ebpfcommon.MaxMethodSize]byte
	if _, err := ebpfcommon.ReadStringField(p.env.Memory, reqPtr, p.methodPtrPos, method[:]); err != nil {
		p.log.Debug("can't read HTTP method", "error", err)
		return
	}
	req.Method = method
	_ = p.requests.Put(reqPtr, req)
}

// requestURI copies the path of the request URI, when the target invokes its accessor.
func (p *Tracer) requestURI(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeRequestURI)
	reqPtr := p.env.Args.Arg(ctx, 1)
	if reqPtr == 0 {
		return
	}
	uriPtr, err := ebpfcommon.ReadUint64(p.env.Memory, reqPtr+p.uriPtrPos)
	if err != nil || uriPtr == 0 {
		return
	}
	req, ok := p.requests.Get(reqPtr)
	if !ok {
		return
	}
	var path [ebpfcommon.MaxPathSize]byte
	if _, err := ebpfcommon.ReadStringField(p.env.Memory, uriPtr, p.pathPtrPos, path[:]); err != nil {
		p.log.Debug("can't read HTTP path", "error", err)
		return
	}
	req.Path = path
	_ = p.requests.Put(reqPtr, req)
}
