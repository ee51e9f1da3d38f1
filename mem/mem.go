// Package mem defines the address and page-size vocabulary shared by the
// rest of this module: physical and virtual addresses, and the two
// supported page granularities.
package mem

import (
	"fmt"
	"unsafe"
)

// PhysAddr names a guest physical byte. Arithmetic is in bytes.
type PhysAddr uint64

// Add returns the address n bytes past a.
func (a PhysAddr) Add(n uint64) PhysAddr {
	return a + PhysAddr(n)
}

// VirtAddr names a byte in the current processor's private virtual range.
type VirtAddr uintptr

// Add returns the address n bytes past v.
func (v VirtAddr) Add(n uint64) VirtAddr {
	return v + VirtAddr(n)
}

// Slice exposes the n bytes starting at v as a byte slice, for the
// whole-frame restore write-back that has no collaborator of its own
// (spec design note: the source writes the restored page back via a raw
// pointer store, not through a trait). Callers must only call this for
// an address within a currently active mapping guard.
func (v VirtAddr) Slice(n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(v))), n)
}

// PageSize is a closed enumeration of the two page granularities this
// module understands. The zero value is not a valid PageSize; always use
// PageRegular or PageHuge.
type PageSize uint8

const (
	// PageRegular is a 4 KiB page.
	PageRegular PageSize = iota + 1
	// PageHuge is a 2 MiB page.
	PageHuge
)

const (
	// PageSize4K is the size in bytes of a Regular page.
	PageSize4K = 4096
	// PageSize2M is the size in bytes of a Huge page.
	PageSize2M = 2 * 1024 * 1024
	// SubFramesPerHuge is the number of 4 KiB sub-frames in a Huge page.
	SubFramesPerHuge = PageSize2M / PageSize4K

	// VirtAlign4K is the mapping-guard alignment exponent for 4 KiB
	// windows: 4096 << 0 == 4096.
	VirtAlign4K = 0
	// VirtAlign2M is the mapping-guard alignment exponent for 2 MiB
	// windows: 4096 << 9 == 2097152.
	VirtAlign2M = 9
)

// Bytes reports the size in bytes of the page granularity.
func (p PageSize) Bytes() uint64 {
	switch p {
	case PageRegular:
		return PageSize4K
	case PageHuge:
		return PageSize2M
	default:
		panic(fmt.Sprintf("mem: invalid PageSize %d", uint8(p)))
	}
}

// AlignmentLog2 reports the mapping-guard alignment exponent matching
// this page granularity (see VirtAlign4K/VirtAlign2M).
func (p PageSize) AlignmentLog2() uint {
	switch p {
	case PageRegular:
		return VirtAlign4K
	case PageHuge:
		return VirtAlign2M
	default:
		panic(fmt.Sprintf("mem: invalid PageSize %d", uint8(p)))
	}
}

// String implements fmt.Stringer.
func (p PageSize) String() string {
	switch p {
	case PageRegular:
		return "Regular"
	case PageHuge:
		return "Huge"
	default:
		return fmt.Sprintf("PageSize(%d)", uint8(p))
	}
}

// Region is a half-open byte range [Start, End) of physical addresses.
type Region struct {
	Start PhysAddr
	End   PhysAddr
}

// Len reports the size of the region in bytes.
func (r Region) Len() uint64 {
	return uint64(r.End - r.Start)
}
