package allocator

import (
	"sync/atomic"

	"cowpmm/kernel/mem"
	"cowpmm/kernel/mem/pmm"
	"cowpmm/kernel/sync"
)

// RefState describes the outcome of dropping a reference to a frame.
type RefState uint8

const (
	// StillReferenced indicates that the frame has remaining owners and
	// must stay allocated.
	StillReferenced RefState = iota

	// Unreferenced indicates that the last owner dropped its reference and
	// the frame should be reclaimed.
	Unreferenced
)

// String implements fmt.Stringer.
func (s RefState) String() string {
	if s == Unreferenced {
		return "unreferenced"
	}
	return "still referenced"
}

// RefCountTable tracks how many owners currently share each physical frame.
// Frames with a zero count are free; frames with a count of N >= 1 are
// allocated and mapped by N address spaces.
//
// Increment, Decrement and Set must only be called while holding the table
// lock (see Acquire/Release). Get may be called without the lock; it returns
// a snapshot that is only meaningful for diagnostics.
type RefCountTable struct {
	lock sync.Spinlock

	// counters is indexed by frame number and covers every frame below
	// the end of physical memory.
	counters []uint32
}

// NewRefCountTable returns a table with one counter for every frame in the
// physical address range [0, rangeEnd).
func NewRefCountTable(rangeEnd uintptr) *RefCountTable {
	return &RefCountTable{
		counters: make([]uint32, mem.PageRoundUp(rangeEnd)>>mem.PageShift),
	}
}

// Acquire blocks until the table lock is held by the caller.
func (t *RefCountTable) Acquire() {
	t.lock.Acquire()
}

// Release relinquishes the table lock.
func (t *RefCountTable) Release() {
	t.lock.Release()
}

// Contains returns true if the table has a counter for frame f.
func (t *RefCountTable) Contains(f pmm.Frame) bool {
	return uintptr(f) < uintptr(len(t.counters))
}

// Len returns the number of frames covered by the table.
func (t *RefCountTable) Len() int {
	return len(t.counters)
}

// Increment adds an owner to f. The caller must hold the table lock and must
// already own a reference to f; incrementing a free frame is a contract
// violation that is not detected here.
func (t *RefCountTable) Increment(f pmm.Frame) {
	atomic.AddUint32(&t.counters[f], 1)
}

// Decrement drops an owner from f and reports whether f is still referenced.
// A counter of 0 or 1 is reset to 0 and reported as Unreferenced. The caller
// must hold the table lock.
func (t *RefCountTable) Decrement(f pmm.Frame) RefState {
	if count := atomic.LoadUint32(&t.counters[f]); count > 1 {
		atomic.StoreUint32(&t.counters[f], count-1)
		return StillReferenced
	}

	atomic.StoreUint32(&t.counters[f], 0)
	return Unreferenced
}

// Get returns the current owner count for f.
func (t *RefCountTable) Get(f pmm.Frame) uint32 {
	return atomic.LoadUint32(&t.counters[f])
}

// Set overwrites the owner count for f. It is used when a frame is handed out
// to establish a count of exactly 1. The caller must hold the table lock.
func (t *RefCountTable) Set(f pmm.Frame, n uint32) {
	atomic.StoreUint32(&t.counters[f], n)
}

// Count is a convenience wrapper that reads the owner count for f while
// holding the table lock.
func (t *RefCountTable) Count(f pmm.Frame) uint32 {
	t.Acquire()
	defer t.Release()
	return t.Get(f)
}
