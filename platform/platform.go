// Package platform declares the external collaborator contracts the
// snapshot/restore core consumes but does not implement: a mapping-guard
// factory, a storage-frame allocator, a guest-memory byte reader, a
// writable-physical-address oracle, an RMP write-protect primitive, a
// zero-fill primitive, and a logger.
//
// Grounded on the original Rust source's trait-shaped collaborators
// (kernel/src/mm/ptguards.rs's PerCPUPageMappingGuard, kernel/src/mm's
// guestmem/writable_phys_addr/zero_mem_region free functions,
// kernel/src/sev/utils.rs's rmp_set_read_only) and on biscuit's own
// Page_i interface (biscuit/src/mem/mem.go), which abstracts its physical
// allocator the same way.
package platform

import "github.com/coco-serverless/svsm/mem"

// MappingGuard is a scoped virtual window onto a physical range. Release
// must be idempotent-safe to call exactly once per guard (typically via
// defer) and must be called on every exit path, including errors.
type MappingGuard interface {
	// VirtAddr returns the start of the mapped virtual window.
	VirtAddr() mem.VirtAddr
	// Release unmaps the window and flushes the TLB for it.
	Release()
}

// MappingGuardFactory creates per-CPU mapping guards over physical
// ranges. paddrStart, the range size (paddrEnd-paddrStart), and paddrEnd
// must all be aligned to 4096 << alignmentLog2; implementations may panic
// otherwise, matching the source contract.
type MappingGuardFactory interface {
	CreateGuard(paddrStart, paddrEnd mem.PhysAddr, alignmentLog2 uint) (MappingGuard, error)
}

// StorageFrame is a uniquely owned byte buffer big enough to hold one 4
// KiB captured frame.
type StorageFrame interface {
	// Bytes exposes the frame's backing storage for read/write.
	Bytes() []byte
	// Release returns the frame to its owning pool. It must be called at
	// most once per frame.
	Release()
}

// FrameAllocator returns uninitialized, uniquely owned storage frames.
type FrameAllocator interface {
	AllocFrame() (StorageFrame, error)
}

// GuestReader reads single bytes from a mapped virtual address. It may
// fail if the address faults.
type GuestReader interface {
	ReadByte(v mem.VirtAddr) (byte, error)
}

// WritableOracle reports whether a physical address is currently
// writable by the SVSM (i.e. still owned/private, not reassigned to the
// guest as shared).
type WritableOracle interface {
	WritablePhysAddr(p mem.PhysAddr) bool
}

// RMP downgrades the permission of a mapped virtual window to read-only
// in the Reverse Map Table. Implementations must only downgrade
// (writable -> read-only), never upgrade, and must be idempotent.
type RMP interface {
	SetReadOnly(v mem.VirtAddr, size mem.PageSize) error
}

// ZeroFiller zero-fills a mapped virtual byte range [start, end).
type ZeroFiller interface {
	ZeroMemRegion(start, end mem.VirtAddr)
}

// Logger records informational messages about backed-up, restored,
// skipped, and zeroed pages.
type Logger interface {
	Infof(format string, args ...any)
}
