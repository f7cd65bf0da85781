package exec

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// findProcMaps is overridden from tests
var findProcMaps = func(pid int32) ([]*procfs.ProcMap, error) {
	proc, err := procfs.NewProc(int(pid))
	if err != nil {
		return nil, err
	}
	return proc.ProcMaps()
}

// LoadAddress returns the address where the executable code of the given file is mapped
// into the process memory.
func LoadAddress(pid int32, exePath string) (uint64, error) {
	maps, err := findProcMaps(pid)
	if err != nil {
		return 0, fmt.Errorf("reading memory maps of pid %d: %w", pid, err)
	}
	if m := ExecMapping(exePath, maps); m != nil {
		return uint64(m.StartAddr) - uint64(m.Offset), nil
	}
	return 0, fmt.Errorf("%q is not mapped as executable in pid %d", exePath, pid)
}

// ExecMapping returns the first executable region backed by the given file
func ExecMapping(path string, maps []*procfs.ProcMap) *procfs.ProcMap {
	for _, m := range maps {
		if m.Pathname == path && m.Perms != nil && m.Perms.Execute {
			return m
		}
	}
	return nil
}
