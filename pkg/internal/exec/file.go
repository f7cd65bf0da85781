// Package exec looks for the target process and analyses its executable
package exec

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessNotFound is returned when no running process matches the selection criteria
var ErrProcessNotFound = errors.New("process not found")

// PollInterval between two consecutive lookups of the executable path
var PollInterval = time.Second

// Criteria to select the process to instrument. Exactly one of PID or ExePath is expected.
type Criteria struct {
	PID int32
	// ExePath is matched as a substring of the executable path of each running process
	ExePath string
}

type FileInfo struct {
	CmdExePath     string
	ProExeLinkPath string
	ELF            *elf.File
	Pid            int32
	Ppid           int32
}

func (fi *FileInfo) ExecutableName() string {
	return filepath.Base(fi.CmdExePath)
}

func (fi *FileInfo) Close() error {
	if fi.ELF == nil {
		return nil
	}
	return fi.ELF.Close()
}

func log() *slog.Logger {
	return slog.With("component", "exec")
}

// processLister is overridden from tests
var processLister = func() ([]candidate, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	candidates := make([]candidate, 0, len(procs))
	for _, p := range procs {
		candidates = append(candidates, candidate{pid: p.Pid, proc: p})
	}
	return candidates, nil
}

var processByPID = func(pid int32) (processInfo, error) {
	return process.NewProcess(pid)
}

// elfOpener is overridden from tests
var elfOpener = elf.Open

type processInfo interface {
	Exe() (string, error)
	Ppid() (int32, error)
}

type candidate struct {
	pid  int32
	proc processInfo
}

// FindProcess returns the executable information of the process matching the criteria.
// When looking up by PID, it fails immediately if the process does not exist. When looking up
// by executable path, it blocks until a matching process appears or the context is cancelled.
func FindProcess(ctx context.Context, criteria Criteria) (*FileInfo, error) {
	log := log()
	if criteria.PID != 0 {
		p, err := processByPID(criteria.PID)
		if err != nil {
			return nil, fmt.Errorf("%w: pid %d: %w", ErrProcessNotFound, criteria.PID, err)
		}
		return fileInfo(criteria.PID, p)
	}
	if criteria.ExePath == "" {
		return nil, errors.New("no process selection criteria provided")
	}
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		log.Debug("searching for process executable", "path", criteria.ExePath)
		pid, p, err := findByExePath(criteria.ExePath)
		if err != nil {
			return nil, err
		}
		if p != nil {
			log.Info("found process", "pid", pid, "path", criteria.ExePath)
			return fileInfo(pid, p)
		}
		log.Debug("no processes found. Will retry", "retryAfter", PollInterval.String())
		select {
		case <-ctx.Done():
			log.Debug("context was cancelled before finding the process. Exiting")
			return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, criteria.ExePath)
		case <-ticker.C:
		}
	}
}

func findByExePath(exePath string) (int32, processInfo, error) {
	processes, err := processLister()
	if err != nil {
		return 0, nil, fmt.Errorf("can't get system processes: %w", err)
	}
	for _, c := range processes {
		exe, err := c.proc.Exe()
		if err != nil {
			// expected for kernel threads or processes we don't have access to
			continue
		}
		if strings.Contains(exe, exePath) {
			return c.pid, c.proc, nil
		}
	}
	return 0, nil, nil
}

// In container environments we can't just open the executable path, because it might be
// in the volume of another container. We access it through the /proc/<pid>/exe symbolic link
func fileInfo(pid int32, p processInfo) (*FileInfo, error) {
	exePath, err := p.Exe()
	if err != nil {
		exePath = "unknown"
	}
	ppid, _ := p.Ppid()
	file := &FileInfo{
		CmdExePath:     exePath,
		ProExeLinkPath: fmt.Sprintf("/proc/%d/exe", pid),
		Pid:            pid,
		Ppid:           ppid,
	}
	if file.ELF, err = elfOpener(file.ProExeLinkPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return nil, fmt.Errorf("opening ELF executable %q: %w", exePath, err)
	}
	return file, nil
}
