package allocator

import (
	"cowpmm/kernel"
	"cowpmm/kernel/mem/pmm"
)

// Share adds an owner to an allocated frame, e.g. when a forked address space
// maps the parent's frame copy-on-write. The caller must already own a
// reference to f.
func (alloc *FreeListAllocator) Share(f pmm.Frame) {
	alloc.refs.Acquire()
	alloc.refs.Increment(f)
	alloc.refs.Release()
}

// RefCount returns the number of owners of f.
func (alloc *FreeListAllocator) RefCount(f pmm.Frame) uint32 {
	return alloc.refs.Count(f)
}

// Unshare gives the caller a private, writable copy of the shared frame f and
// returns it. If the caller is the only owner of f, f itself is returned.
// Otherwise a new frame is allocated, the contents of f are copied into it and
// the caller's reference to f is dropped.
//
// No lock is held while the new frame is allocated; the owner count of f is
// only sampled, which is safe because the caller's own reference keeps f
// allocated until the final FreeFrame.
func (alloc *FreeListAllocator) Unshare(f pmm.Frame) (pmm.Frame, *kernel.Error) {
	if alloc.RefCount(f) == 1 {
		return f, nil
	}

	private, err := alloc.AllocFrame()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	copy(alloc.physMem.FrameBytes(private), alloc.physMem.FrameBytes(f))

	if err = alloc.FreeFrame(f); err != nil {
		// Undo the allocation so the failed call has no side-effects.
		_ = alloc.FreeFrame(private)
		return pmm.InvalidFrame, err
	}

	return private, nil
}
