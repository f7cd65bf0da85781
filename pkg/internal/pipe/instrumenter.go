package pipe

import (
	"context"
	"fmt"

	"github.com/grafana/rust-autoinstrument/pkg/internal/export/debug"
	"github.com/grafana/rust-autoinstrument/pkg/internal/export/otel"
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/pipe/global"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
	"github.com/grafana/rust-autoinstrument/pkg/internal/traces"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/msg"
	"github.com/grafana/rust-autoinstrument/pkg/pipe/swarm"
)

// builder with injectable instantiators for unit testing
type graphFunctions struct {
	config  *Config
	ctxInfo *global.ContextInfo

	// tracesCh is shared across all the tracers, which send there
	// any finished request, and the input node of the graph, which reads and
	// forwards them to the next stages.
	tracesCh <-chan []request.Span

	// queue connecting the input node with the exporters
	spans *msg.Queue[[]request.Span]

	readerProvider func(*traces.ReadDecorator, *msg.Queue[[]request.Span]) swarm.InstanceFunc
}

// Build instantiates the whole tracers --> decoration --> export
// pipeline and returns it as a startable item
func Build(ctx context.Context, config *Config, ctxInfo *global.ContextInfo, tracesCh <-chan []request.Span) (*Instrumenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return newGraphBuilder(config, ctxInfo, tracesCh).buildGraph(ctx)
}

// private constructor that can be instantiated from tests to override the node providers
func newGraphBuilder(config *Config, ctxInfo *global.ContextInfo, tracesCh <-chan []request.Span) *graphFunctions {
	bufLen := config.ChannelBufferLen
	if ctxInfo.ChannelBufferLen > 0 {
		bufLen = ctxInfo.ChannelBufferLen
	}
	if ctxInfo.Metrics == nil {
		ctxInfo.Metrics = imetrics.NoopReporter{}
	}
	return &graphFunctions{
		config:         config,
		ctxInfo:        ctxInfo,
		tracesCh:       tracesCh,
		spans:          msg.NewQueue[[]request.Span](msg.ChannelBufferLen(max(bufLen, 1))),
		readerProvider: traces.ReadFromChannel,
	}
}

func (gb *graphFunctions) buildGraph(ctx context.Context) (*Instrumenter, error) {
	serviceName := gb.config.ServiceName
	if serviceName == "" {
		serviceName = gb.ctxInfo.ServiceName
	}

	// the exporters must subscribe to the queue before the input node starts sending
	swi := swarm.Instancer{}
	swi.Add(otel.TracesReceiver(gb.ctxInfo, &gb.config.Traces, gb.spans))
	swi.Add(debug.PrinterNode(gb.config.Printer, gb.spans))
	swi.Add(debug.NoopNode(gb.config.Noop, gb.spans))
	swi.Add(gb.readerProvider(&traces.ReadDecorator{
		TracesInput: gb.tracesCh,
		ServiceName: serviceName,
		Pid:         gb.config.Pid,
	}, gb.spans))

	runner, err := swi.Instance(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiating pipeline: %w", err)
	}
	return &Instrumenter{
		internalMetrics: gb.ctxInfo.Metrics,
		runner:          runner,
	}, nil
}

type Instrumenter struct {
	internalMetrics imetrics.Reporter
	runner          *swarm.Runner
}

// Run the pipeline until the context is cancelled or the traces input is closed. When it
// returns, all the exporters have flushed their pending spans.
func (i *Instrumenter) Run(ctx context.Context) {
	go i.internalMetrics.Start(ctx)
	i.runner.Start(ctx)
	<-i.runner.Done()
}
