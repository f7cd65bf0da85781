//go:build !linux

package exec

import (
	"errors"
)

// ProcessMemory is only readable in Linux
type ProcessMemory struct{}

func NewProcessMemory(_ int32) *ProcessMemory {
	return &ProcessMemory{}
}

func (m *ProcessMemory) ReadAt(_ []byte, _ uint64) (int, error) {
	return 0, errors.New("reading process memory is only supported in Linux")
}
