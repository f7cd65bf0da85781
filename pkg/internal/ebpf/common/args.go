package ebpfcommon

import (
	"fmt"
)

const (
	// PtRegsWords is the number of 64-bit words captured from the register file of the
	// thread that hit an interception point. It fits the largest supported layout (arm64).
	PtRegsWords = 34
	// StackWords is the number of 64-bit words captured from the stack pointer upwards.
	StackWords = 8
)

// ProbeContext is the state captured when an interception point fires.
type ProbeContext struct {
	// ProbeID identifies the handler that must process this context
	ProbeID uint32
	CPU     uint32
	PidTgid uint64
	// KTime is the monotonic timestamp, in nanoseconds
	KTime uint64
	Regs  [PtRegsWords]uint64
	// Stack contains the words at SP, SP+8, ... SP+8*(StackWords-1) at the time
	// the interception point fired
	Stack [StackWords]uint64
}

func (pc *ProbeContext) Pid() uint32 {
	return uint32(pc.PidTgid >> 32)
}

// ArgumentSource reads positional arguments of an intercepted call according to the
// calling convention of a CPU architecture. Positions start at 1. All the methods
// return 0 when the argument is not available.
type ArgumentSource interface {
	Arch() string
	// Arg returns the argument from the registers of the calling convention.
	// Only valid in entry interception points.
	Arg(ctx *ProbeContext, pos int) uint64
	// ArgFromStack returns the word at SP + pos*8, for return interception points where
	// the argument registers have been reused by the callee.
	ArgFromStack(ctx *ProbeContext, pos int) uint64
	StackPointer(ctx *ProbeContext) uint64
	// RegsWords returns how many words of the register file must be captured
	RegsWords() int
	// StackPointerWord returns the index of the stack pointer in the register file
	StackPointerWord() int
}

// regsLayout maps the calling convention to word indices in the captured register file
// (struct pt_regs for each architecture)
type regsLayout struct {
	arch      string
	args      []int
	sp        int
	regsWords int
	mem       ForeignMemory
}

// NewArgumentSource returns the ArgumentSource for the given architecture name, as
// reported by runtime.GOARCH. The foreign memory is used by ArgFromStack for positions
// beyond the captured stack snapshot. It can be nil.
func NewArgumentSource(arch string, mem ForeignMemory) (ArgumentSource, error) {
	switch arch {
	case "amd64":
		return &regsLayout{
			arch: arch,
			// rdi, rsi, rdx, rcx, r8, r9
			args:      []int{14, 13, 12, 11, 9, 8},
			sp:        19,
			regsWords: 21,
			mem:       mem,
		}, nil
	case "arm64":
		return &regsLayout{
			arch:      arch,
			args:      []int{0, 1, 2, 3, 4, 5, 6, 7},
			sp:        31,
			regsWords: 34,
			mem:       mem,
		}, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", arch)
}

func (rl *regsLayout) Arch() string {
	return rl.arch
}

func (rl *regsLayout) RegsWords() int {
	return rl.regsWords
}

func (rl *regsLayout) StackPointerWord() int {
	return rl.sp
}

func (rl *regsLayout) Arg(ctx *ProbeContext, pos int) uint64 {
	if ctx == nil || pos < 1 || pos > len(rl.args) {
		return 0
	}
	return ctx.Regs[rl.args[pos-1]]
}

func (rl *regsLayout) StackPointer(ctx *ProbeContext) uint64 {
	if ctx == nil {
		return 0
	}
	return ctx.Regs[rl.sp]
}

func (rl *regsLayout) ArgFromStack(ctx *ProbeContext, pos int) uint64 {
	if ctx == nil || pos < 0 {
		return 0
	}
	if pos < StackWords {
		return ctx.Stack[pos]
	}
	sp := rl.StackPointer(ctx)
	if sp == 0 {
		return 0
	}
	val, err := ReadUint64(rl.mem, sp+uint64(pos)*8)
	if err != nil {
		return 0
	}
	return val
}
