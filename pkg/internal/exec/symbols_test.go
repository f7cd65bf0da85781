package exec

import (
	"debug/elf"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemangledName(t *testing.T) {
	assert.Equal(t, "core::fmt::write", DemangledName("_ZN4core3fmt5write17h0123456789abcdefE"))
	assert.Equal(t, "main", DemangledName("main"))
	assert.Equal(t, "runtime.main", DemangledName("runtime.main"))
}

func TestFindFunctions(t *testing.T) {
	// the test binary itself is used as target executable
	exe, err := os.Executable()
	require.NoError(t, err)
	elfF, err := elf.Open(exe)
	if err != nil {
		t.Skipf("test executable is not an ELF file: %v", err)
	}
	defer elfF.Close()

	funcs, err := FindFunctions(elfF)
	if err != nil {
		t.Skipf("test executable has no symbols: %v", err)
	}
	offs, ok := funcs["github.com/grafana/rust-autoinstrument/pkg/internal/exec.FindFunctions"]
	require.True(t, ok)
	assert.NotZero(t, offs.Start)
	assert.NotZero(t, offs.Size)
}
