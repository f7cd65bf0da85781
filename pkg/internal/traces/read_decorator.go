package traces

import (
	"context"
	"log/slog"

	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/msg"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/swarm"
)

func rlog() *slog.Logger {
	return slog.With("component", "traces.ReadDecorator")
}

// ReadDecorator is the input node of the processing graph. The tracers will send their
// traces to the ReadDecorator's TracesInput, and the ReadDecorator will decorate the traces with
// the information of the instrumented process and forward them to the next pipeline stage
type ReadDecorator struct {
	TracesInput <-chan []request.Span

	// ServiceName is set to all the spans
	ServiceName string
	// Pid of the instrumented process. The tracers only instrument a single process,
	// so it is set to all the spans that did not provide it.
	Pid uint32
}

// decorator modifies a []request.Span slice to fill it with extra information that is not provided
// by the tracers
type decorator func(spans []request.Span)

// ReadFromChannel forwards the decorated spans to the output queue, until the input
// channel is closed or the context is cancelled. Then the output queue is closed.
func ReadFromChannel(r *ReadDecorator, out *msg.Queue[[]request.Span]) swarm.InstanceFunc {
	decorate := serviceDecorator(r)
	return swarm.DirectInstance(func(ctx context.Context) {
		defer out.Close()
		cancelChan := ctx.Done()
		for {
			select {
			case trace, ok := <-r.TracesInput:
				if !ok {
					rlog().Debug("input channel closed. Exiting traces input loop")
					return
				}
				decorate(trace)
				out.Send(trace)
			case <-cancelChan:
				rlog().Debug("context canceled. Exiting traces input loop")
				return
			}
		}
	})
}

func serviceDecorator(r *ReadDecorator) decorator {
	return func(spans []request.Span) {
		for i := range spans {
			if spans[i].ServiceName == "" {
				spans[i].ServiceName = r.ServiceName
			}
			if spans[i].Pid == 0 {
				spans[i].Pid = r.Pid
			}
		}
	}
}
