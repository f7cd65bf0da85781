// Package tonic traces the gRPC calls served and issued through the tonic library
package tonic

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

const family = "grpc"

const (
	ProbeServerServe = "tonic_server_serve"
	ProbeClientCall  = "tonic_client_call"
)

var defaultSymbols = map[string]string{
	ProbeServerServe: "tonic::server::grpc::Grpc<T>::unary",
	ProbeClientCall:  "tonic::client::grpc::Grpc<T>::unary",
}

// Tracer for gRPC servers and clients. Both share the same correlation table and emission ring,
// and their records are told apart by their event type.
// Service and method names are read from the target memory when the captured context is
// dispatched, not when the call happened, so they may reflect later contents of that memory.
type Tracer struct {
	log     *slog.Logger
	cfg     *ebpfcommon.TracerConfig
	metrics imetrics.Reporter
	env     *ebpfcommon.Environment
	closers []io.Closer

	calls ebpfcommon.Store[uint64, ebpfcommon.GRPCRequestTrace]
	ring  *ebpfcommon.EmissionRing

	servicePtrPos uint64
	methodPtrPos  uint64
}

func New(cfg *ebpfcommon.TracerConfig, env *ebpfcommon.Environment, metrics imetrics.Reporter) (*Tracer, error) {
	ring, err := ebpfcommon.NewEmissionRing(cfg.RingLength())
	if err != nil {
		return nil, fmt.Errorf("creating gRPC emission ring: %w", err)
	}
	return &Tracer{
		log:     slog.With("component", "tonic.Tracer"),
		cfg:     cfg,
		metrics: metrics,
		env:     env,
		calls:   ebpfcommon.NewTable[uint64, ebpfcommon.GRPCRequestTrace](cfg.MaxConcurrent()),
		ring:    ring,
	}, nil
}

func (p *Tracer) Family() string {
	return family
}

func (p *Tracer) Constants(o *offsets.Offsets) map[string]any {
	p.servicePtrPos = o.Field(offsets.ProtocolTonic, "service_ptr_pos")
	p.methodPtrPos = o.Field(offsets.ProtocolTonic, "method_ptr_pos")
	if missing := o.Missing(offsets.ProtocolTonic, "service_ptr_pos", "method_ptr_pos"); len(missing) > 0 {
		p.log.Warn("field offsets not provided. Defaulting to zero", "fields", missing)
	}
	return map[string]any{
		"service_ptr_pos": p.servicePtrPos,
		"method_ptr_pos":  p.methodPtrPos,
	}
}

func (p *Tracer) AddCloser(c ...io.Closer) {
	p.closers = append(p.closers, c...)
}

func (p *Tracer) Probes() map[string]ebpfcommon.FunctionPrograms {
	return map[string]ebpfcommon.FunctionPrograms{
		p.cfg.SymbolFor(ProbeServerServe, defaultSymbols[ProbeServerServe]): {
			Start: p.serverServe,
			End:   p.closeCall(ProbeServerServe),
		},
		p.cfg.SymbolFor(ProbeClientCall, defaultSymbols[ProbeClientCall]): {
			Start: p.clientCall,
			End:   p.closeCall(ProbeClientCall),
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

// open stores a new call record keyed by the object in the first argument.
// It returns false if the call can't be traced.
func (p *Tracer) open(ctx *ebpfcommon.ProbeContext, eventType request.EventType) (uint64, ebpfcommon.GRPCRequestTrace, bool) {
	selfPtr := p.env.Args.Arg(ctx, 1)
	if selfPtr == 0 {
		p.metrics.RequestUntracked(family)
		return 0, ebpfcommon.GRPCRequestTrace{}, false
	}
	return selfPtr, ebpfcommon.GRPCRequestTrace{
		Type:            uint8(eventType),
		StartMonotimeNs: ctx.Timestamp(),
		SpanContext:     p.env.SpanContext(),
	}, true
}

func (p *Tracer) store(selfPtr uint64, call *ebpfcommon.GRPCRequestTrace) {
	if err := p.calls.Put(selfPtr, *call); err != nil {
		p.metrics.RequestUntracked(family)
		return
	}
	_ = p.env.SpanIndex.Put(selfPtr, call.SpanContext)
}

// serverServe only captures the start of the call. Service and method are not extracted server-side.
func (p *Tracer) serverServe(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeServerServe)
	selfPtr, call, ok := p.open(ctx, request.EventTypeGRPC)
	if !ok {
		return
	}
	p.store(selfPtr, &call)
}

// clientCall extracts the service and method names at call time, since the client object
// already holds both of them.
func (p *Tracer) clientCall(ctx *ebpfcommon.ProbeContext) {
	p.metrics.ProbeEvent(ProbeClientCall)
	selfPtr, call, ok := p.open(ctx, request.EventTypeGRPCClient)
	if !ok {
		return
	}
	if _, err := ebpfcommon.ReadStringField(p.env.Memory, selfPtr, p.servicePtrPos, call.Service[:]); err != nil {
		p.log.Debug("can't read gRPC service", "error", err)
	}
	if _, err := ebpfcommon.ReadStringField(p.env.Memory, selfPtr, p.methodPtrPos, call.Method[:]); err != nil {
		p.log.Debug("can't read gRPC method", "error", err)
	}
	p.store(selfPtr, &call)
}

// closeCall returns the handler for the return interception point of both server and
// client calls, which reads the call object from the stack.
func (p *Tracer) closeCall(probe string) ebpfcommon.ProbeHandler {
	probe += "_return"
	return func(ctx *ebpfcommon.ProbeContext) {
		p.metrics.ProbeEvent(probe)
		selfPtr := p.env.Args.ArgFromStack(ctx, 1)
		if selfPtr == 0 {
			return
		}
		call, ok := p.calls.Get(selfPtr)
		if !ok {
			return
		}
		p.calls.Remove(selfPtr)
		p.env.SpanIndex.Remove(selfPtr)

		call.EndMonotimeNs = ctx.Timestamp()
		raw, err := ebpfcommon.EncodeRecord(&call)
		if err != nil {
			p.log.Debug("can't encode gRPC record", "error", err)
			return
		}
		if !p.ring.Emit(int(ctx.CPU), raw) {
			p.metrics.RecordDropped(family)
		}
	}
}
