package ebpfcommon

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrReadFault is returned when the memory of the instrumented process can't be
// read at the requested address: null pointers, unmapped pages, or partial copies.
var ErrReadFault = errors.New("foreign memory read fault")

// ForeignMemory provides read access to the address space of the instrumented
// process. Implementations must never panic on invalid addresses.
type ForeignMemory interface {
	ReadAt(p []byte, addr uint64) (int, error)
}

// ReadBounded performs a single copy of len(dst) bytes from the given foreign address.
// On any failure the destination is left zeroed and ErrReadFault is returned.
func ReadBounded(mem ForeignMemory, addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if addr == 0 || mem == nil {
		clear(dst)
		return fmt.Errorf("%w: null address", ErrReadFault)
	}
	n, err := mem.ReadAt(dst, addr)
	if err != nil || n != len(dst) {
		clear(dst)
		return fmt.Errorf("%w: reading %d bytes at 0x%x (read %d): %v", ErrReadFault, len(dst), addr, n, err)
	}
	return nil
}

// ReadUint64 reads a little-endian 64-bit word, which is how pointers and lengths
// are laid out in the supported targets.
func ReadUint64(mem ForeignMemory, addr uint64) (uint64, error) {
	var word [8]byte
	if err := ReadBounded(mem, addr, word[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(word[:]), nil
}

// ReadStringField extracts a string whose pointer lives at base+offset and whose
// length is the word right after it. The destination is cleared first, and at most
// len(dst) bytes are copied, so longer strings are silently truncated.
// It returns the number of copied bytes.
func ReadStringField(mem ForeignMemory, base, offset uint64, dst []byte) (int, error) {
	clear(dst)
	if base == 0 {
		return 0, fmt.Errorf("%w: null base", ErrReadFault)
	}
	ptr, err := ReadUint64(mem, base+offset)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, fmt.Errorf("%w: null string pointer", ErrReadFault)
	}
	size, err := ReadUint64(mem, base+offset+8)
	if err != nil {
		return 0, err
	}
	size = min(size, uint64(len(dst)))
	if err := ReadBounded(mem, ptr, dst[:size]); err != nil {
		return 0, err
	}
	return int(size), nil
}
