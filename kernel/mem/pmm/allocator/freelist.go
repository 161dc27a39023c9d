package allocator

import (
	"cowpmm/kernel"
	"cowpmm/kernel/kfmt"
	"cowpmm/kernel/mem"
	"cowpmm/kernel/mem/pmm"
	"cowpmm/kernel/sync"
)

const (
	// AllocFill is written over every byte of a frame before it is handed
	// out so that reads of uninitialized memory are easy to spot.
	AllocFill = byte(0x05)

	// FreeFill is written over every byte of a frame when it is reclaimed
	// so that dangling references read obvious junk.
	FreeFill = byte(0x01)
)

var (
	errOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errMisalignedAddress  = &kernel.Error{Module: "pmm", Message: "free: address is not page-aligned", Fatal: true}
	errAddressOutOfRange  = &kernel.Error{Module: "pmm", Message: "free: address outside of managed range", Fatal: true}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "free: frame is already free", Fatal: true}
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator already initialized", Fatal: true}
	errInvalidRange       = &kernel.Error{Module: "pmm", Message: "invalid physical memory range", Fatal: true}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// FreeListAllocator hands out physical frames from a stack of free frame
// numbers and reclaims them once their owner count in the associated
// RefCountTable drops to zero.
//
// The allocator owns two pieces of state guarded by its own lock: the stack of
// free frames and a bitmap with one bit per managed frame that is set while
// the frame sits on the stack. The lock is never held while the RefCountTable
// lock is held.
type FreeListAllocator struct {
	physMem pmm.PhysMem
	refs    *RefCountTable

	lock sync.Spinlock

	// freeStack holds the numbers of all frames that are currently free.
	// Its capacity equals the number of managed frames so pushes never
	// reallocate.
	freeStack []pmm.Frame

	// freeBitmap tracks which frames are on freeStack. Bit i corresponds
	// to frame (startFrame + i).
	freeBitmap []uint64

	// The managed frames are [startFrame, endFrame).
	startFrame, endFrame pmm.Frame

	initialized bool
}

// NewFreeListAllocator returns an allocator that scrubs frames through physMem
// and tracks owners in refs. Init must be called before any frame can be
// allocated.
func NewFreeListAllocator(physMem pmm.PhysMem, refs *RefCountTable) *FreeListAllocator {
	return &FreeListAllocator{
		physMem: physMem,
		refs:    refs,
	}
}

// Init adds every page-aligned frame between rangeStart (rounded up to the
// next page) and rangeEnd to the free list. Each frame starts with no owners
// and is scrubbed and pushed exactly as a frame reclaimed at runtime would be.
// The range must be covered by both the RefCountTable and the physical memory
// backing the allocator.
//
// Init must be called exactly once, before the allocator is shared with other
// CPUs.
func (alloc *FreeListAllocator) Init(rangeStart, rangeEnd uintptr) *kernel.Error {
	if alloc.initialized {
		return errAlreadyInitialized
	}

	startAddr, endAddr := mem.PageRoundUp(rangeStart), mem.PageRoundDown(rangeEnd)
	if startAddr >= endAddr ||
		!alloc.refs.Contains(pmm.FrameFromAddress(endAddr-1)) ||
		mem.Size(endAddr) > alloc.physMem.Size() {
		kfmt.Printf("[pmm] cannot manage range [0x%x - 0x%x) with %s of physical memory\n", rangeStart, rangeEnd, alloc.physMem.Size())
		return errInvalidRange
	}

	alloc.startFrame = pmm.FrameFromAddress(startAddr)
	alloc.endFrame = pmm.FrameFromAddress(endAddr)
	frameCount := mem.Size(endAddr - startAddr).Pages()
	alloc.freeStack = make([]pmm.Frame, 0, frameCount)
	alloc.freeBitmap = make([]uint64, (frameCount+63)>>6)
	alloc.initialized = true

	for frame := alloc.startFrame; frame < alloc.endFrame; frame++ {
		if err := alloc.push(frame); err != nil {
			return err
		}
	}

	return nil
}

// AllocFrame pops a frame from the free list, fills it with AllocFill and sets
// its owner count to 1. If no frames are available, AllocFrame returns
// pmm.InvalidFrame and a non-fatal out of memory error.
func (alloc *FreeListAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	top := len(alloc.freeStack) - 1
	if top < 0 {
		alloc.lock.Release()
		return pmm.InvalidFrame, errOutOfMemory
	}
	frame := alloc.freeStack[top]
	alloc.freeStack = alloc.freeStack[:top]
	alloc.markFrame(frame, markReserved)
	alloc.lock.Release()

	// The frame is off the list and its count is still zero, so nobody else
	// can reach it until we return it.
	mem.Memset(alloc.physMem.FrameBytes(frame), AllocFill)

	alloc.refs.Acquire()
	alloc.refs.Set(frame, 1)
	alloc.refs.Release()

	return frame, nil
}

// Free drops the caller's reference to the frame at physAddr. When the last
// reference is dropped, the frame is filled with FreeFill and pushed back to
// the free list; otherwise it stays allocated for its remaining owners.
//
// physAddr must be an address previously returned by AllocFrame (as a frame).
// A misaligned address, an address outside the managed range or a frame with
// no owners is a contract violation: Free then leaves all state untouched,
// including the frame contents, and returns a fatal error.
func (alloc *FreeListAllocator) Free(physAddr uintptr) *kernel.Error {
	if !mem.IsPageAligned(physAddr) {
		kfmt.Printf("[pmm] free: misaligned address 0x%x\n", physAddr)
		return errMisalignedAddress
	}

	frame := pmm.FrameFromAddress(physAddr)
	if frame < alloc.startFrame || frame >= alloc.endFrame {
		kfmt.Printf("[pmm] free: address 0x%x outside [0x%x - 0x%x)\n", physAddr, alloc.startFrame.Address(), alloc.endFrame.Address())
		return errAddressOutOfRange
	}

	// A zero count covers frames sitting on the free list as well as frames
	// that AllocFrame has popped but not yet handed out.
	alloc.refs.Acquire()
	if alloc.refs.Get(frame) == 0 {
		alloc.refs.Release()
		kfmt.Printf("[pmm] free: frame 0x%x has no owners\n", frame.Address())
		return errDoubleFree
	}
	state := alloc.refs.Decrement(frame)
	alloc.refs.Release()

	if state == StillReferenced {
		return nil
	}

	// This context dropped the last reference so it exclusively owns the
	// frame until it is pushed.
	return alloc.push(frame)
}

// push scrubs an unowned frame with FreeFill and adds it to the free list.
func (alloc *FreeListAllocator) push(frame pmm.Frame) *kernel.Error {
	mem.Memset(alloc.physMem.FrameBytes(frame), FreeFill)

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.isFree(frame) {
		kfmt.Printf("[pmm] free: frame 0x%x released twice\n", frame.Address())
		return errDoubleFree
	}
	alloc.freeStack = append(alloc.freeStack, frame)
	alloc.markFrame(frame, markFree)

	return nil
}

// FreeFrame is equivalent to calling Free with the address of f.
func (alloc *FreeListAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	if !f.Valid() {
		kfmt.Printf("[pmm] free: invalid frame\n")
		return errAddressOutOfRange
	}
	return alloc.Free(f.Address())
}

// Range returns the physical address range [start, end) managed by the
// allocator.
func (alloc *FreeListAllocator) Range() (start, end uintptr) {
	return alloc.startFrame.Address(), alloc.endFrame.Address()
}

// Contains returns true if f is one of the frames managed by the allocator.
func (alloc *FreeListAllocator) Contains(f pmm.Frame) bool {
	return f >= alloc.startFrame && f < alloc.endFrame
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *FreeListAllocator) TotalFrames() uint64 {
	return uint64(alloc.endFrame - alloc.startFrame)
}

// FreeCount returns the number of frames currently on the free list.
func (alloc *FreeListAllocator) FreeCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return uint64(len(alloc.freeStack))
}

// AllocatedCount scans the managed range and returns the number of frames
// with at least one owner. The result is only exact while no other CPU is
// allocating or freeing frames.
func (alloc *FreeListAllocator) AllocatedCount() uint64 {
	var count uint64
	for frame := alloc.startFrame; frame < alloc.endFrame; frame++ {
		if alloc.refs.Get(frame) != 0 {
			count++
		}
	}
	return count
}

// Refs returns the reference count table used by the allocator.
func (alloc *FreeListAllocator) Refs() *RefCountTable {
	return alloc.refs
}

// markFrame updates the free bitmap bit for frame. Calls for frames outside
// the managed range are ignored. The caller must hold the allocator lock.
func (alloc *FreeListAllocator) markFrame(frame pmm.Frame, flag markAs) {
	if !alloc.Contains(frame) {
		return
	}

	block, mask := alloc.bitmapPos(frame)
	switch flag {
	case markFree:
		alloc.freeBitmap[block] |= mask
	default:
		alloc.freeBitmap[block] &^= mask
	}
}

// isFree returns true if frame is on the free list. The caller must hold the
// allocator lock.
func (alloc *FreeListAllocator) isFree(frame pmm.Frame) bool {
	block, mask := alloc.bitmapPos(frame)
	return alloc.freeBitmap[block]&mask != 0
}

func (alloc *FreeListAllocator) bitmapPos(frame pmm.Frame) (block uint64, mask uint64) {
	relFrame := uint64(frame - alloc.startFrame)
	return relFrame >> 6, 1 << (63 - (relFrame & 63))
}
