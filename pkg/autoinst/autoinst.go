// Package autoinst provides public access to the Rust auto-instrumenter as a library.
// All the other subcomponents are hidden.
package autoinst

import (
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/grafana/rust-autoinstrument/pkg/connector"
	"github.com/grafana/rust-autoinstrument/pkg/internal/ebpf"
	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/hyper"
	"github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/tonic"
	"github.com/grafana/rust-autoinstrument/pkg/internal/exec"
	"github.com/grafana/rust-autoinstrument/pkg/internal/imetrics"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/pipe"
	"github.com/grafana/rust-autoinstrument/pkg/internal/pipe/global"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
)

func log() *slog.Logger {
	return slog.With("component", "autoinst.Instrumenter")
}

// overridable from tests
var (
	findProcess   = exec.FindProcess
	findFunctions = exec.FindFunctions
	newAttacher   = ebpf.NewAttacher
	newMemory     = func(pid int32) ebpfcommon.ForeignMemory {
		return exec.NewProcessMemory(pid)
	}
)

// Instrumenter finds and instruments a Rust process, and forwards the traces as
// configured by the user
type Instrumenter struct {
	config  *Config
	ctxInfo *global.ContextInfo

	// tracesInput is used to communicate the finished requests between the
	// ProcessTracer and the processing pipeline
	tracesInput chan []request.Span

	processTracer *ebpf.ProcessTracer
	serviceName   string
	pid           int32
}

// New Instrumenter, given a Config
func New(config *Config) *Instrumenter {
	return &Instrumenter{
		config:      config,
		ctxInfo:     buildContextInfo(config),
		tracesInput: make(chan []request.Span, max(config.ChannelBufferLen, 1)),
	}
}

// Run finds and instruments the target process, and then forwards its traces until the
// context is cancelled
func (i *Instrumenter) Run(ctx context.Context) error {
	if err := i.FindAndInstrument(ctx); err != nil {
		return err
	}
	return i.ReadAndForward(ctx)
}

// FindAndInstrument waits for the target process, analyzes its executable and attaches
// the interception points of every tracer whose functions are found
func (i *Instrumenter) FindAndInstrument(ctx context.Context) error {
	log := log()
	fileInfo, err := findProcess(ctx, exec.Criteria{PID: i.config.TargetPID, ExePath: i.config.TargetExe})
	if err != nil {
		return fmt.Errorf("can't find target process: %w", err)
	}
	// the ELF file is only needed for the analysis
	defer func() {
		if err := fileInfo.Close(); err != nil {
			log.Debug("closing ELF file", "error", err)
		}
	}()
	log = log.With("pid", fileInfo.Pid, "exec", fileInfo.CmdExePath)
	log.Info("found target process")

	pt, err := i.buildProcessTracer(fileInfo)
	if err != nil {
		return err
	}
	if _, err := pt.Instrument(); err != nil {
		_ = pt.Attacher.Close()
		return fmt.Errorf("instrumenting process %d: %w", fileInfo.Pid, err)
	}
	if base, err := exec.LoadAddress(fileInfo.Pid, fileInfo.CmdExePath); err == nil {
		log.Debug("executable code mapped", "loadAddress", fmt.Sprintf("0x%x", base))
	}

	i.ctxInfo.Metrics.InstrumentProcess(fileInfo.ExecutableName())
	i.processTracer = pt
	i.pid = fileInfo.Pid
	i.serviceName = i.config.ServiceName
	if i.serviceName == "" {
		i.serviceName = fileInfo.ExecutableName()
	}
	return nil
}

func (i *Instrumenter) buildProcessTracer(fileInfo *exec.FileInfo) (*ebpf.ProcessTracer, error) {
	functions, err := findFunctions(fileInfo.ELF)
	if err != nil {
		return nil, fmt.Errorf("analyzing executable %s: %w", fileInfo.CmdExePath, err)
	}
	log().Info("target process analysis completed", "functions", len(functions))

	offs, err := offsets.Load(&i.config.Offsets)
	if err != nil {
		return nil, fmt.Errorf("loading field offsets: %w", err)
	}

	arch := i.config.EBPF.Arch
	if arch == "" {
		arch = archOf(fileInfo.ELF)
	}
	mem := newMemory(fileInfo.Pid)
	args, err := ebpfcommon.NewArgumentSource(arch, mem)
	if err != nil {
		return nil, err
	}
	env := &ebpfcommon.Environment{
		Args:      args,
		Memory:    mem,
		SpanIndex: ebpfcommon.NewSpanIndex(i.config.EBPF.SpanIndexCapacity()),
	}
	httpTracer, err := hyper.New(&i.config.EBPF, env, i.ctxInfo.Metrics)
	if err != nil {
		return nil, err
	}
	grpcTracer, err := tonic.New(&i.config.EBPF, env, i.ctxInfo.Metrics)
	if err != nil {
		return nil, err
	}
	attacher, err := newAttacher(&i.config.EBPF, fileInfo, args)
	if err != nil {
		return nil, fmt.Errorf("loading interception points: %w", err)
	}
	return &ebpf.ProcessTracer{
		Tracers:   []ebpf.Tracer{httpTracer, grpcTracer},
		ELFInfo:   fileInfo,
		Functions: functions,
		Offsets:   offs,
		Attacher:  attacher,
	}, nil
}

// archOf returns the architecture of the executable, in runtime.GOARCH format
func archOf(file *elf.File) string {
	if file != nil {
		switch file.Machine {
		case elf.EM_X86_64:
			return "amd64"
		case elf.EM_AARCH64:
			return "arm64"
		}
	}
	return runtime.GOARCH
}

// ReadAndForward keeps listening for traces from the instrumented process, then reads,
// processes and forwards them. It returns after the context is cancelled and all the
// pending traces have been exported.
func (i *Instrumenter) ReadAndForward(ctx context.Context) error {
	if i.processTracer == nil {
		return fmt.Errorf("process not instrumented")
	}
	log := log()
	log.Debug("creating instrumentation pipeline")

	pcfg := i.config.pipeConfig()
	pcfg.ServiceName = i.serviceName
	pcfg.Pid = uint32(i.pid)
	// the pipeline is not cancelled from the context, but when the tracers close
	// its input, so the last traces are flushed
	pctx := context.WithoutCancel(ctx)
	bp, err := pipe.Build(pctx, pcfg, i.ctxInfo, i.tracesInput)
	if err != nil {
		return fmt.Errorf("can't instantiate instrumentation pipeline: %w", err)
	}

	tracerErr := make(chan error, 1)
	go func() {
		defer close(i.tracesInput)
		tracerErr <- i.processTracer.Run(ctx, i.tracesInput)
	}()

	log.Info("starting main node")
	bp.Run(pctx)
	log.Info("exiting auto-instrumenter")

	if err := <-tracerErr; err != nil {
		return fmt.Errorf("process tracer: %w", err)
	}
	return nil
}

// buildContextInfo populates some globally shared components and properties
// from the user-provided configuration
func buildContextInfo(config *Config) *global.ContextInfo {
	ctxInfo := &global.ContextInfo{
		ChannelBufferLen: config.ChannelBufferLen,
		ServiceName:      config.ServiceName,
	}
	if config.InternalMetrics.Prometheus.Enabled() {
		slog.Debug("reporting internal metrics as Prometheus")
		ctxInfo.Metrics = imetrics.NewPrometheusReporter(&config.InternalMetrics.Prometheus, &connector.PrometheusManager{})
	} else {
		slog.Debug("not reporting internal metrics")
		ctxInfo.Metrics = imetrics.NoopReporter{}
	}
	return ctxInfo
}
