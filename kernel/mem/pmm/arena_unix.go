//go:build unix

package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"cowpmm/kernel/mem"
)

// NewArena reserves size bytes (rounded down to a page multiple) of anonymous
// private memory and returns an Arena that models a machine with that much
// physical memory. Pages are only committed by the host once touched.
func NewArena(size mem.Size) (*Arena, error) {
	size = mem.Size(mem.PageRoundDown(uintptr(size)))
	if size == 0 {
		return nil, fmt.Errorf("pmm: arena size must be at least %d bytes", mem.PageSize)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap arena of %s: %w", size, err)
	}

	return &Arena{data: data, unmapFn: unix.Munmap}, nil
}
