//go:build !unix

package pmm

import (
	"fmt"

	"cowpmm/kernel/mem"
)

// NewArena returns an Arena that models a machine with size bytes (rounded
// down to a page multiple) of physical memory, backed by the Go heap.
func NewArena(size mem.Size) (*Arena, error) {
	size = mem.Size(mem.PageRoundDown(uintptr(size)))
	if size == 0 {
		return nil, fmt.Errorf("pmm: arena size must be at least %d bytes", mem.PageSize)
	}

	return &Arena{data: make([]byte, size)}, nil
}
