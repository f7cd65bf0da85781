package ebpfcommon

import (
	"errors"
	"sync"
)

// DefaultMaxConcurrent is the default capacity of the correlation tables: the maximum
// number of requests of a protocol family that can be traced at the same time.
const DefaultMaxConcurrent = 50

// ErrTableFull is returned when a new key is inserted into a table that already holds
// its maximum number of entries.
var ErrTableFull = errors.New("table is full")

// Store is a fixed-capacity key-value store shared by all the interception points of
// a protocol family. Each operation is atomic on its own, but sequences of operations
// (e.g. Get and then Put) are not.
type Store[K comparable, V any] interface {
	// Put inserts or overwrites the value for the given key. Overwriting an existing
	// key always succeeds. Inserting a new key fails with ErrTableFull if the store
	// is at its capacity.
	Put(key K, val V) error
	Get(key K) (V, bool)
	// Remove is a no-op if the key does not exist.
	Remove(key K)
	Len() int
}

// Table is a Store backed by a map with bounded length.
type Table[K comparable, V any] struct {
	mt       sync.Mutex
	capacity int
	entries  map[K]V
}

func NewTable[K comparable, V any](capacity int) *Table[K, V] {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrent
	}
	return &Table[K, V]{
		capacity: capacity,
		entries:  make(map[K]V, capacity),
	}
}

func (t *Table[K, V]) Put(key K, val V) error {
	t.mt.Lock()
	defer t.mt.Unlock()
	if _, ok := t.entries[key]; !ok && len(t.entries) >= t.capacity {
		return ErrTableFull
	}
	t.entries[key] = val
	return nil
}

func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mt.Lock()
	defer t.mt.Unlock()
	val, ok := t.entries[key]
	return val, ok
}

func (t *Table[K, V]) Remove(key K) {
	t.mt.Lock()
	defer t.mt.Unlock()
	delete(t.entries, key)
}

func (t *Table[K, V]) Len() int {
	t.mt.Lock()
	defer t.mt.Unlock()
	return len(t.entries)
}

func (t *Table[K, V]) Capacity() int {
	return t.capacity
}

// SpanLookup gives read-only access to the In-Progress Span Index, so other
// instrumentation points can propagate the active span context of a request
// into nested operations.
type SpanLookup interface {
	Get(key uint64) (SpanContext, bool)
}

// SpanIndex stores the span context of each in-flight request, keyed by the same
// identity as the correlation table of its protocol family.
type SpanIndex = Store[uint64, SpanContext]

// NewSpanIndex returns a span index shared by all the protocol families
func NewSpanIndex(capacity int) *Table[uint64, SpanContext] {
	return NewTable[uint64, SpanContext](capacity)
}
