//go:build linux

package exec

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads the memory of another process without stopping it
type ProcessMemory struct {
	pid int
}

func NewProcessMemory(pid int32) *ProcessMemory {
	return &ProcessMemory{pid: int(pid)}
}

// ReadAt copies len(p) bytes from the remote address into p. Partial reads
// return the number of bytes copied along with an error.
func (m *ProcessMemory) ReadAt(p []byte, addr uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: unsafe.SliceData(p)}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return 0, fmt.Errorf("%w: pid %d", ErrProcessNotFound, m.pid)
		}
		return 0, fmt.Errorf("reading %d bytes at 0x%x: %w", len(p), addr, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("short read at 0x%x: %d of %d bytes", addr, n, len(p))
	}
	return n, nil
}
