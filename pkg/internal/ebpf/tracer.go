package ebpf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/exec"
	"github.com/grafana/rust-autoinstrument/pkg/internal/offsets"
	"github.com/grafana/rust-autoinstrument/pkg/internal/request"
)

// ErrNothingToInstrument is returned when none of the tracers found their required
// functions in the target executable
var ErrNothingToInstrument = errors.New("no instrumentable function found")

// Tracer for a given library of the instrumented process (hyper, tonic...)
type Tracer interface {
	// Family of the records emitted by the tracer. Used to label internal metrics
	Family() string
	// Constants receives the field offsets of the instrumented library and returns the values
	// that the tracer will use, for debugging purposes
	Constants(*offsets.Offsets) map[string]any
	// Probes returns the handlers to be invoked at the entry and return of each function, keyed by
	// the demangled function name
	Probes() map[string]ebpfcommon.FunctionPrograms
	// AddCloser adds io.Closer instances that need to be invoked when the
	// Run function ends.
	AddCloser(c ...io.Closer)
	// Run will do the action of listening for the emitted records and forwarding them
	// as span batches to the output channel.
	Run(ctx context.Context, out chan<- []request.Span)
}

// Attacher inserts the interception points into the target process and dispatches
// the captured probe contexts to the handlers
type Attacher interface {
	// Attach the entry and return handlers to the function at the given offset
	Attach(funcName string, offs exec.FuncOffsets, programs ebpfcommon.FunctionPrograms) error
	// Run dispatches the captured probe contexts until the context is cancelled
	Run(ctx context.Context) error
	io.Closer
}

func ptlog() *slog.Logger { return slog.With("component", "ebpf.ProcessTracer") }

// ProcessTracer instruments a single process with all the tracers whose required
// functions are found in its executable
type ProcessTracer struct {
	log       *slog.Logger
	Tracers   []Tracer
	ELFInfo   *exec.FileInfo
	Functions exec.Functions
	Offsets   *offsets.Offsets
	Attacher  Attacher

	active []Tracer
}

// Instrument attaches the probes of each tracer. Tracers missing any of their required
// functions are skipped. It returns the list of tracers that have been attached.
func (pt *ProcessTracer) Instrument() ([]Tracer, error) {
	pt.log = ptlog().With("path", pt.ELFInfo.CmdExePath, "pid", pt.ELFInfo.Pid)
	pt.active = pt.active[:0]
	for _, t := range pt.Tracers {
		tlog := pt.log.With("family", t.Family())
		probes := t.Probes()
		found, missingRequired := pt.matchingFunctions(tlog, probes)
		tlog.Info(fmt.Sprintf("found %d/%d instrumentable functions", len(found), len(probes)))
		if missingRequired != "" {
			tlog.Info("required function not found. Skipping tracer", "function", missingRequired)
			continue
		}
		if len(found) == 0 {
			continue
		}
		tlog.Debug("tracer constants", "constants", t.Constants(pt.Offsets))
		for _, funcName := range found {
			programs := probes[funcName]
			if err := pt.Attacher.Attach(funcName, pt.Functions[funcName], programs); err != nil {
				if programs.Required {
					return nil, fmt.Errorf("instrumenting function %q: %w", funcName, err)
				}
				tlog.Info("error instrumenting function", "function", funcName, "error", err)
			}
		}
		pt.active = append(pt.active, t)
	}
	if len(pt.active) == 0 {
		return nil, ErrNothingToInstrument
	}
	return pt.active, nil
}

func (pt *ProcessTracer) matchingFunctions(log *slog.Logger, probes map[string]ebpfcommon.FunctionPrograms) (found []string, missingRequired string) {
	for funcName, programs := range probes {
		if _, ok := pt.Functions[funcName]; ok {
			found = append(found, funcName)
			continue
		}
		log.Debug("function not found in executable", "function", funcName)
		if programs.Required {
			missingRequired = funcName
		}
	}
	sort.Strings(found)
	return found, missingRequired
}

// Run the attacher and all the active tracers until the context is cancelled or any of them fails.
// Instrument must have been invoked before.
func (pt *ProcessTracer) Run(ctx context.Context, out chan<- []request.Span) error {
	pt.log.Debug("starting process tracer")
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range pt.active {
		g.Go(func() error {
			t.Run(ctx, out)
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			if err := pt.Attacher.Close(); err != nil {
				pt.log.Warn("closing probes", "error", err)
			}
		}()
		return pt.Attacher.Run(ctx)
	})
	err := g.Wait()
	pt.log.Debug("process tracer stopped")
	return err
}
