package pmm

import "cowpmm/kernel/mem"

// PhysMem provides access to the contents of physical memory frames.
type PhysMem interface {
	// FrameBytes returns a PageSize-long slice that overlays the contents
	// of frame f.
	FrameBytes(f Frame) []byte

	// Size returns the amount of physical memory that can be accessed
	// through FrameBytes, starting at address 0.
	Size() mem.Size
}

// Arena is a PhysMem implementation that models the physical address space
// [0, Size()) with a single contiguous byte region. It allows the memory
// management code to run as an ordinary process.
type Arena struct {
	data []byte

	// unmapFn releases data when the arena is closed; nil for arenas that
	// wrap a caller-supplied buffer.
	unmapFn func([]byte) error
}

// ArenaFromSlice returns an Arena backed by buf. Any trailing bytes that do not
// form a whole page are ignored.
func ArenaFromSlice(buf []byte) *Arena {
	usable := mem.PageRoundDown(uintptr(len(buf)))
	return &Arena{data: buf[:usable]}
}

// Size implements PhysMem.
func (a *Arena) Size() mem.Size {
	return mem.Size(len(a.data))
}

// FrameBytes implements PhysMem.
func (a *Arena) FrameBytes(f Frame) []byte {
	start := f.Address()
	return a.data[start : start+uintptr(mem.PageSize) : start+uintptr(mem.PageSize)]
}

// Close releases the memory backing the arena. The arena must not be used
// after Close returns.
func (a *Arena) Close() error {
	data := a.data
	a.data = nil
	if a.unmapFn == nil || data == nil {
		return nil
	}
	return a.unmapFn(data)
}
