// Package mem contains the basic memory size and page geometry definitions
// shared by the memory management packages.
package mem

import "github.com/dustin/go-humanize"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// String returns a human readable representation of s using IEC units
// (e.g. "128 MiB").
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// ParseSize parses a human readable size such as "128MiB", "4 KB" or "65536".
func ParseSize(v string) (Size, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, err
	}
	return Size(n), nil
}

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + uintptr(PageSize-1)) &^ uintptr(PageSize-1)
}

// PageRoundDown rounds addr down to the page boundary that contains it.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ uintptr(PageSize-1)
}

// IsPageAligned returns true if addr lies on a page boundary.
func IsPageAligned(addr uintptr) bool {
	return addr&uintptr(PageSize-1) == 0
}
