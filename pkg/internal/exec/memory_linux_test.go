//go:build linux

package exec

import (
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMemory_Self(t *testing.T) {
	data := []byte("hello from the other side")
	mem := NewProcessMemory(int32(os.Getpid()))

	dst := make([]byte, 5)
	n, err := mem.ReadAt(dst, uint64(uintptr(unsafe.Pointer(&data[0]))))
	if err != nil {
		t.Skipf("process_vm_readv not allowed in this environment: %v", err)
	}
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))

	_, err = mem.ReadAt(dst, 0)
	require.Error(t, err)

	runtime.KeepAlive(data)

	n, err = mem.ReadAt(nil, 0x1234)
	require.NoError(t, err)
	assert.Zero(t, n)
}
