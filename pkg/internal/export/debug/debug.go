// Package debug provides some export nodes that are aimed basically at debugging/testing
package debug

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/msg"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/swarm"
)

type PrintEnabled bool

func (p PrintEnabled) Enabled() bool {
	return bool(p)
}

// PrinterNode prints each received span in the standard output
func PrinterNode(cfg PrintEnabled, input *msg.Queue[[]request.Span]) swarm.InstanceFunc {
	return printerNode(cfg, input, os.Stdout)
}

func printerNode(cfg PrintEnabled, input *msg.Queue[[]request.Span], out io.Writer) swarm.InstanceFunc {
	return func(_ context.Context) (swarm.RunFunc, error) {
		if !cfg.Enabled() {
			return swarm.EmptyRunFunc()
		}
		in := input.Subscribe()
		return func(_ context.Context) {
			for spans := range in {
				for i := range spans {
					printSpan(out, &spans[i])
				}
			}
		}, nil
	}
}

func printSpan(out io.Writer, span *request.Span) {
	t := span.Timings()
	name := span.Path
	if span.Type != request.EventTypeHTTP {
		name = span.RPCName()
	}
	fmt.Fprintf(out, "%s (%s) %s %v %s %s svc=[%s pid=%d] trace_id=[%s] span_id=[%s]\n",
		t.Start.Format("2006-01-02 15:04:05.12345"),
		span.Duration(),
		span.Type,
		span.Status,
		span.Method,
		name,
		span.ServiceName,
		span.Pid,
		span.TraceID,
		span.SpanID,
	)
}

type NoopEnabled bool

func (n NoopEnabled) Enabled() bool {
	return bool(n)
}

// NoopNode just counts the received spans, and prints the count on exit
func NoopNode(cfg NoopEnabled, input *msg.Queue[[]request.Span]) swarm.InstanceFunc {
	return func(_ context.Context) (swarm.RunFunc, error) {
		if !cfg.Enabled() {
			return swarm.EmptyRunFunc()
		}
		in := input.Subscribe()
		return func(_ context.Context) {
			counter := 0
			for spans := range in {
				counter += len(spans)
			}
			fmt.Printf("Processed %d requests\n", counter)
		}, nil
	}
}
