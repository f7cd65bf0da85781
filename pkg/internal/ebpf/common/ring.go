package ebpfcommon

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultRingLength is the default number of records that an EmissionRing can hold
const DefaultRingLength = 1024

// ErrClosed is returned by the EmissionRing readers after the ring has been closed
// and all its records have been consumed.
var ErrClosed = errors.New("emission ring closed")

// Record is a finished request record, as it is handed to the consumers.
type Record struct {
	// CPU that produced the record. Records from the same CPU are emitted in order.
	CPU int
	// RawSample contains the fixed-layout binary form of the record
	RawSample []byte
}

type ringSlot struct {
	seq    atomic.Uint64
	record Record
}

// EmissionRing is a bounded, lock-free, multi-producer queue that carries finished
// records from the interception points to the consumers. Producers never block: if
// the ring is full, the record is dropped.
type EmissionRing struct {
	mask  uint64
	slots []ringSlot

	head atomic.Uint64
	_    [56]byte // keeps head and tail in different cache lines
	tail atomic.Uint64

	dropped atomic.Uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEmissionRing creates a ring for the given number of records, which must be a power of two.
func NewEmissionRing(length int) (*EmissionRing, error) {
	if length <= 0 || length&(length-1) != 0 {
		return nil, fmt.Errorf("ring length must be a positive power of two. Got %d", length)
	}
	r := &EmissionRing{
		mask:   uint64(length - 1),
		slots:  make([]ringSlot, length),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Emit copies the record into the ring. It returns false if the ring was full
// or closed, and the record has been dropped.
func (r *EmissionRing) Emit(cpu int, raw []byte) bool {
	if r.isClosed() {
		r.dropped.Add(1)
		return false
	}
	var slot *ringSlot
	pos := r.head.Load()
	for {
		slot = &r.slots[pos&r.mask]
		diff := int64(slot.seq.Load()) - int64(pos)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				slot.record = Record{CPU: cpu, RawSample: raw}
				slot.seq.Store(pos + 1)
				select {
				case r.notify <- struct{}{}:
				default:
				}
				return true
			}
			pos = r.head.Load()
		case diff < 0:
			r.dropped.Add(1)
			return false
		default:
			pos = r.head.Load()
		}
	}
}

func (r *EmissionRing) pop() (Record, bool) {
	var slot *ringSlot
	pos := r.tail.Load()
	for {
		slot = &r.slots[pos&r.mask]
		diff := int64(slot.seq.Load()) - int64(pos+1)
		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				rec := slot.record
				slot.record = Record{}
				slot.seq.Store(pos + r.mask + 1)
				return rec, true
			}
			pos = r.tail.Load()
		case diff < 0:
			return Record{}, false
		default:
			pos = r.tail.Load()
		}
	}
}

// Dropped returns how many records have been discarded because the ring was full
func (r *EmissionRing) Dropped() uint64 {
	return r.dropped.Load()
}

// Len returns the approximate number of records waiting to be consumed
func (r *EmissionRing) Len() int {
	// tail never overtakes head, so loading it first can't underflow
	tail := r.tail.Load()
	return int(r.head.Load() - tail)
}

func (r *EmissionRing) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Read blocks until a record is available. After the ring is closed, it returns the
// remaining records and then ErrClosed.
func (r *EmissionRing) Read() (Record, error) {
	for {
		if rec, ok := r.pop(); ok {
			return rec, nil
		}
		select {
		case <-r.notify:
		case <-r.done:
			if rec, ok := r.pop(); ok {
				return rec, nil
			}
			return Record{}, ErrClosed
		}
	}
}

// Close stops accepting records and unblocks the readers. It is safe to invoke it
// multiple times.
func (r *EmissionRing) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	return nil
}
