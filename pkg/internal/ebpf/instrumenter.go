//go:build linux

package ebpf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	ebpfcommon "github.com/grafana/rust-autoinstrument/pkg/internal/ebpf/common"
	"github.com/grafana/rust-autoinstrument/pkg/internal/exec"
)

// captured record layout: probe id (u32), cpu (u32), pid_tgid (u64), ktime (u64),
// followed by the pt_regs words and the stack words
const (
	headerSize = 24
	stackBytes = ebpfcommon.StackWords * 8
)

// flags of the bpf_ringbuf_query and bpf_ringbuf_submit helpers
const (
	bpfRbNoWakeup    = 1
	bpfRbForceWakeup = 2
	bpfRbAvailData   = 0
)

func ilog() *slog.Logger {
	return slog.With("component", "ebpf.Instrumenter")
}

// instrumenter attaches a capture program to each interception point. The capture program
// copies the registers and the top of the stack into a kernel ring buffer, from where
// they are decoded into a ProbeContext and dispatched to the handler of the probe.
type instrumenter struct {
	log      *slog.Logger
	pid      int32
	args     ebpfcommon.ArgumentSource
	exe      *link.Executable
	events   *ebpf.Map
	reader   *ringbuf.Reader
	handlers []ebpfcommon.ProbeHandler

	// number of records accumulated in the kernel ring buffer before waking up the reader
	wakeupLen int

	closeOnce sync.Once
	closables []io.Closer
}

// NewAttacher creates the kernel ring buffer and opens the executable of the target process
func NewAttacher(cfg *ebpfcommon.TracerConfig, fileInfo *exec.FileInfo, args ebpfcommon.ArgumentSource) (Attacher, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memory lock: %w", err)
	}
	// Instead of the executable file in the disk, we pass the /proc/<pid>/exe
	// to allow loading it from different containers
	exe, err := link.OpenExecutable(fileInfo.ProExeLinkPath)
	if err != nil {
		return nil, fmt.Errorf("opening %q executable file: %w", fileInfo.ProExeLinkPath, err)
	}
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "rust_events",
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(kernelRingBufferSize(cfg.KernelRingBufferSize)),
	})
	if err != nil {
		return nil, fmt.Errorf("creating kernel ring buffer: %w", err)
	}
	reader, err := ringbuf.NewReader(events)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("creating kernel ring buffer reader: %w", err)
	}
	return &instrumenter{
		log:       ilog().With("pid", fileInfo.Pid),
		pid:       fileInfo.Pid,
		args:      args,
		wakeupLen: cfg.WakeupLen,
		exe:       exe,
		events:    events,
		reader:    reader,
		closables: []io.Closer{reader, events},
	}, nil
}

// the kernel requires the ring buffer size to be a power-of-2 multiple of the page size
func kernelRingBufferSize(requested int) int {
	size := os.Getpagesize()
	for size < requested {
		size <<= 1
	}
	return size
}

func (i *instrumenter) recordSize() int {
	return headerSize + i.args.RegsWords()*8 + stackBytes
}

func (i *instrumenter) Attach(funcName string, offs exec.FuncOffsets, programs ebpfcommon.FunctionPrograms) error {
	log := i.log.With("function", funcName)
	log.Debug("going to instrument function", "offset", offs.Start)
	if programs.Start != nil {
		prog, err := i.captureProgram(programs.Start)
		if err != nil {
			return err
		}
		up, err := i.exe.Uprobe("", prog, &link.UprobeOptions{Address: offs.Start, PID: int(i.pid)})
		if err != nil {
			return fmt.Errorf("setting uprobe: %w", err)
		}
		i.closables = append(i.closables, up)
	}
	if programs.End != nil {
		prog, err := i.captureProgram(programs.End)
		if err != nil {
			return err
		}
		urp, err := i.exe.Uretprobe("", prog, &link.UprobeOptions{Address: offs.Start, PID: int(i.pid)})
		if err != nil {
			return fmt.Errorf("setting uretprobe: %w", err)
		}
		i.closables = append(i.closables, urp)
	}
	return nil
}

// captureProgram registers the handler and loads the kernel program that reports
// its invocations
func (i *instrumenter) captureProgram(handler ebpfcommon.ProbeHandler) (*ebpf.Program, error) {
	probeID := uint32(len(i.handlers))
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         fmt.Sprintf("rust_probe_%d", probeID),
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: captureInstructions(i.events.FD(), probeID, i.args.RegsWords(), i.args.StackPointerWord(),
			i.recordSize(), i.wakeupLen*i.recordSize()),
	})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			i.log.Debug("verifier error", "log", fmt.Sprintf("%+v", ve))
		}
		return nil, fmt.Errorf("loading capture program: %w", err)
	}
	i.handlers = append(i.handlers, handler)
	i.closables = append(i.closables, prog)
	return prog, nil
}

// captureInstructions builds the capture program. If wakeupBytes > 0, the reader is not
// woken up until the kernel ring buffer holds at least that amount of data.
func captureInstructions(eventsFD int, probeID uint32, regsWords, spWord, recordSize, wakeupBytes int) asm.Instructions {
	insns := asm.Instructions{
		// R6 keeps the pt_regs pointer during the helper calls
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, int32(recordSize)),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.StoreImm(asm.R7, 0, int64(probeID), asm.Word),
		asm.FnGetSmpProcessorId.Call(),
		asm.StoreMem(asm.R7, 4, asm.R0, asm.Word),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.R7, 8, asm.R0, asm.DWord),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, 16, asm.R0, asm.DWord),
	}
	for w := range regsWords {
		insns = append(insns,
			asm.LoadMem(asm.R2, asm.R6, int16(w*8), asm.DWord),
			asm.StoreMem(asm.R7, int16(headerSize+w*8), asm.R2, asm.DWord),
		)
	}
	// the helper zeroes the destination if the stack can't be read
	insns = append(insns,
		asm.LoadMem(asm.R3, asm.R6, int16(spWord*8), asm.DWord),
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Add.Imm(asm.R1, int32(headerSize+regsWords*8)),
		asm.Mov.Imm(asm.R2, stackBytes),
		asm.FnProbeReadUser.Call(),
	)
	if wakeupBytes > 0 {
		insns = append(insns,
			asm.LoadMapPtr(asm.R1, eventsFD),
			asm.Mov.Imm(asm.R2, bpfRbAvailData),
			asm.FnRingbufQuery.Call(),
			asm.Mov.Imm(asm.R8, bpfRbForceWakeup),
			asm.JGE.Imm(asm.R0, int32(wakeupBytes), "submit"),
			asm.Mov.Imm(asm.R8, bpfRbNoWakeup),
			asm.Mov.Reg(asm.R1, asm.R7).WithSymbol("submit"),
			asm.Mov.Reg(asm.R2, asm.R8),
		)
	} else {
		insns = append(insns,
			asm.Mov.Reg(asm.R1, asm.R7),
			asm.Mov.Imm(asm.R2, 0),
		)
	}
	insns = append(insns,
		asm.FnRingbufSubmit.Call(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)
	return insns
}

func (i *instrumenter) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = i.reader.Close()
	}()
	var probe ebpfcommon.ProbeContext
	for {
		record, err := i.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				i.log.Debug("kernel ring buffer is closed")
				return nil
			}
			return fmt.Errorf("reading kernel ring buffer: %w", err)
		}
		if err := decodeProbeContext(record.RawSample, i.args.RegsWords(), &probe); err != nil {
			i.log.Debug("ignoring captured record", "error", err)
			continue
		}
		if int(probe.ProbeID) >= len(i.handlers) {
			i.log.Debug("unknown probe id", "id", probe.ProbeID, "pid", probe.Pid())
			continue
		}
		i.handlers[probe.ProbeID](&probe)
	}
}

func decodeProbeContext(raw []byte, regsWords int, probe *ebpfcommon.ProbeContext) error {
	if len(raw) < headerSize+regsWords*8+stackBytes {
		return fmt.Errorf("captured record too short: %d bytes", len(raw))
	}
	*probe = ebpfcommon.ProbeContext{
		ProbeID: binary.LittleEndian.Uint32(raw[0:]),
		CPU:     binary.LittleEndian.Uint32(raw[4:]),
		PidTgid: binary.LittleEndian.Uint64(raw[8:]),
		KTime:   binary.LittleEndian.Uint64(raw[16:]),
	}
	raw = raw[headerSize:]
	for w := range regsWords {
		probe.Regs[w] = binary.LittleEndian.Uint64(raw[w*8:])
	}
	raw = raw[regsWords*8:]
	for w := range ebpfcommon.StackWords {
		probe.Stack[w] = binary.LittleEndian.Uint64(raw[w*8:])
	}
	return nil
}

func (i *instrumenter) Close() error {
	var errs []error
	i.closeOnce.Do(func() {
		// links and programs are closed before the maps they write to
		for j := len(i.closables) - 1; j >= 0; j-- {
			if err := i.closables[j].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
