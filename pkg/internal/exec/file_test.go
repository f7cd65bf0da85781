package exec

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	exe  string
	ppid int32
}

func (f *fakeProcess) Exe() (string, error) {
	if f.exe == "" {
		return "", errors.New("permission denied")
	}
	return f.exe, nil
}

func (f *fakeProcess) Ppid() (int32, error) {
	return f.ppid, nil
}

func overrideProcesses(t *testing.T, procs func() []candidate) *[]string {
	origLister, origByPID, origOpener, origPoll := processLister, processByPID, elfOpener, PollInterval
	t.Cleanup(func() {
		processLister, processByPID, elfOpener, PollInterval = origLister, origByPID, origOpener, origPoll
	})
	PollInterval = 10 * time.Millisecond
	processLister = func() ([]candidate, error) { return procs(), nil }
	processByPID = func(pid int32) (processInfo, error) {
		for _, c := range procs() {
			if c.pid == pid {
				return c.proc, nil
			}
		}
		return nil, errors.New("process does not exist")
	}
	var opened []string
	elfOpener = func(name string) (*elf.File, error) {
		opened = append(opened, name)
		return &elf.File{}, nil
	}
	return &opened
}

func TestFindProcess_ByPID(t *testing.T) {
	opened := overrideProcesses(t, func() []candidate {
		return []candidate{{pid: 12, proc: &fakeProcess{exe: "/usr/bin/server", ppid: 1}}}
	})

	fi, err := FindProcess(t.Context(), Criteria{PID: 12})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/server", fi.CmdExePath)
	assert.Equal(t, "/proc/12/exe", fi.ProExeLinkPath)
	assert.Equal(t, "server", fi.ExecutableName())
	assert.Equal(t, int32(1), fi.Ppid)
	assert.Equal(t, []string{"/proc/12/exe"}, *opened)

	_, err = FindProcess(t.Context(), Criteria{PID: 13})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestFindProcess_ByExePath(t *testing.T) {
	var started time.Time
	overrideProcesses(t, func() []candidate {
		procs := []candidate{
			{pid: 1, proc: &fakeProcess{}},
			{pid: 2, proc: &fakeProcess{exe: "/usr/bin/client"}},
		}
		// the target appears some time after we started looking for it
		if !started.IsZero() && time.Since(started) > 30*time.Millisecond {
			procs = append(procs, candidate{pid: 3, proc: &fakeProcess{exe: "/opt/app/target/release/my-server"}})
		}
		return procs
	})

	started = time.Now()
	fi, err := FindProcess(t.Context(), Criteria{ExePath: "my-server"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fi.Pid)
	assert.Equal(t, "my-server", fi.ExecutableName())
}

func TestFindProcess_Cancelled(t *testing.T) {
	overrideProcesses(t, func() []candidate { return nil })
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := FindProcess(ctx, Criteria{ExePath: "my-server"})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestFindProcess_NoCriteria(t *testing.T) {
	_, err := FindProcess(t.Context(), Criteria{})
	assert.Error(t, err)
}

func TestFindProcess_ExeVanished(t *testing.T) {
	overrideProcesses(t, func() []candidate {
		return []candidate{{pid: 12, proc: &fakeProcess{exe: "/usr/bin/server"}}}
	})
	elfOpener = func(name string) (*elf.File, error) {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	_, err := FindProcess(t.Context(), Criteria{PID: 12})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}
