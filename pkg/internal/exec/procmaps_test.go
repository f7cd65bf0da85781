package exec

import (
	"errors"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecMapping(t *testing.T) {
	maps := []*procfs.ProcMap{
		{Pathname: "/usr/bin/server", Perms: &procfs.ProcMapPermissions{Read: true}, StartAddr: 0x1000},
		{Pathname: "anon_inode:[io_uring]", Perms: &procfs.ProcMapPermissions{Execute: true}, StartAddr: 0x2000},
		{Pathname: "/usr/bin/server", Perms: &procfs.ProcMapPermissions{Read: true, Execute: true}, StartAddr: 0x5000, Offset: 0x3000},
	}
	m := ExecMapping("/usr/bin/server", maps)
	require.NotNil(t, m)
	assert.Equal(t, uintptr(0x5000), m.StartAddr)
	assert.Nil(t, ExecMapping("/usr/bin/other", maps))
}

func TestLoadAddress(t *testing.T) {
	orig := findProcMaps
	t.Cleanup(func() { findProcMaps = orig })
	findProcMaps = func(pid int32) ([]*procfs.ProcMap, error) {
		if pid != 33 {
			return nil, errors.New("no such process")
		}
		return []*procfs.ProcMap{
			{Pathname: "/usr/bin/server", Perms: &procfs.ProcMapPermissions{Read: true, Execute: true}, StartAddr: 0x55550000, Offset: 0x1000},
		}, nil
	}

	addr, err := LoadAddress(33, "/usr/bin/server")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5554f000), addr)

	_, err = LoadAddress(33, "/usr/bin/other")
	assert.Error(t, err)
	_, err = LoadAddress(34, "/usr/bin/server")
	assert.Error(t, err)
}
