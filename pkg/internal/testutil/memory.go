package testutil

import (
	"encoding/binary"
	"errors"
	"sync"
)

var ErrUnmapped = errors.New("unmapped address")

// FakeMemory is a sparse address space of the instrumented process, where each
// Write call maps a new region.
type FakeMemory struct {
	mt      sync.RWMutex
	regions map[uint64][]byte
}

func NewFakeMemory() *FakeMemory {
	return &FakeMemory{regions: map[uint64][]byte{}}
}

func (f *FakeMemory) Write(addr uint64, data []byte) {
	f.mt.Lock()
	defer f.mt.Unlock()
	f.regions[addr] = append([]byte(nil), data...)
}

func (f *FakeMemory) WriteUint64(addr, val uint64) {
	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, val)
	f.Write(addr, word)
}

// WriteString stores a pointer+length pair at base+offset, the way
// Rust lays out a &str or String field.
func (f *FakeMemory) WriteString(base, offset, ptr, size uint64) {
	f.WriteUint64(base+offset, ptr)
	f.WriteUint64(base+offset+8, size)
}

func (f *FakeMemory) ReadAt(p []byte, addr uint64) (int, error) {
	f.mt.RLock()
	defer f.mt.RUnlock()
	for start, data := range f.regions {
		if addr >= start && addr < start+uint64(len(data)) {
			return copy(p, data[addr-start:]), nil
		}
	}
	return 0, ErrUnmapped
}
