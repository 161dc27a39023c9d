// Package allocator implements the physical frame allocator used by the
// kernel once it has booted. Frames may be shared between address spaces
// (copy-on-write); each frame carries an owner count and is only reclaimed
// when its last owner releases it.
package allocator

import (
	"cowpmm/kernel"
	"cowpmm/kernel/kfmt"
	"cowpmm/kernel/mem"
	"cowpmm/kernel/mem/pmm"
)

// Init sets up the physical frame allocation sub-system for a machine whose
// usable physical memory spans [kernelEnd, memTop). It builds the reference
// count table and the free list allocator, hands every frame above the kernel
// image to the allocator and prints the resulting memory map.
//
// The returned allocator is the single instance that the rest of the memory
// subsystem should share.
func Init(physMem pmm.PhysMem, kernelEnd, memTop uintptr) (*FreeListAllocator, *kernel.Error) {
	refs := NewRefCountTable(memTop)
	alloc := NewFreeListAllocator(physMem, refs)
	if err := alloc.Init(kernelEnd, memTop); err != nil {
		return nil, err
	}

	alloc.printMemoryMap(kernelEnd, memTop)
	return alloc, nil
}

// printMemoryMap prints the physical memory layout seen by the allocator.
func (alloc *FreeListAllocator) printMemoryMap(kernelEnd, memTop uintptr) {
	start, end := alloc.Range()
	kfmt.Printf("[pmm] physical memory map:\n")
	kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: kernel image\n", 0, start, start)
	kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: available\n", start, end, end-start)
	kfmt.Printf("[pmm] kernel end: 0x%x, memory top: 0x%x\n", kernelEnd, memTop)
	kfmt.Printf("[pmm] managed frames: %d (%s), refcount table entries: %d\n",
		alloc.TotalFrames(), mem.Size(end-start).String(), alloc.refs.Len())
}
