//go:build linux

// Package arena is the concrete, runnable stand-in for the hardware this
// module would otherwise only describe via the platform contracts: a
// single memfd-backed region of real Linux memory plays the role of
// "guest physical memory", per-CreateGuard mmap/munmap plays the role of
// the per-CPU virtual mapping guard, and mprotect enforces the RMP
// write-protect downgrade for any future mapping of a page once it has
// been set read-only.
//
// Grounded on the original Rust source's PerCPUPageMappingGuard
// (kernel/src/mm/ptguards.rs) and the RMP/SNP platform framing in
// kernel/src/platform/snp.rs; the mmap+mprotect technique for simulating
// a guest address space is cross-checked against
// other_examples/444a3d93_avagin-gvisor__pkg-sentry-platform-kvm-kvm.go.go
// and other_examples/0c4a8d71_dsmmcken-dh-cli__src-internal-vm-uffd_linux.go.go,
// both of which back a simulated address space with a real mmap'd region.
package arena

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/platform"
	"github.com/coco-serverless/svsm/svsmerr"
)

// Arena is a fixed-size simulated guest physical memory backed by a
// memfd, implementing platform.MappingGuardFactory, platform.GuestReader,
// platform.WritableOracle, platform.RMP, and platform.ZeroFiller.
type Arena struct {
	fd   int
	size uint64

	mu      sync.Mutex
	roPages map[uint64]bool // physical page number -> read-only
	shared  map[uint64]bool // physical page number -> not SVSM-writable
	guards  map[uintptr]*guardInfo

	guardsCreated  int64
	guardsReleased int64
	rmpCalls       int64
}

type guardInfo struct {
	mapped    []byte
	physStart mem.PhysAddr
}

// New creates an Arena of sizeBytes, backed by an anonymous memfd.
func New(sizeBytes uint64) (*Arena, error) {
	fd, err := unix.MemfdCreate("svsm-guest-memory", 0)
	if err != nil {
		return nil, svsmerr.Wrap(svsmerr.Mapping, err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(sizeBytes)); err != nil {
		_ = unix.Close(fd)
		return nil, svsmerr.Wrap(svsmerr.Mapping, err, "ftruncate memfd to %d bytes", sizeBytes)
	}
	return &Arena{
		fd:      fd,
		size:    sizeBytes,
		roPages: make(map[uint64]bool),
		shared:  make(map[uint64]bool),
		guards:  make(map[uintptr]*guardInfo),
	}, nil
}

// Close releases the backing memfd. It does not unmap any still-active
// guard; callers must release all guards first.
func (a *Arena) Close() error {
	return unix.Close(a.fd)
}

func pageNumber(p mem.PhysAddr) uint64 {
	return uint64(p) / mem.PageSize4K
}

// GuardsCreated reports the total number of guards this Arena has handed
// out, for tests and metrics.
func (a *Arena) GuardsCreated() int64 { return atomic.LoadInt64(&a.guardsCreated) }

// GuardsReleased reports the total number of guards released back to
// this Arena, for tests and metrics.
func (a *Arena) GuardsReleased() int64 { return atomic.LoadInt64(&a.guardsReleased) }

// RMPCalls reports the total number of successful SetReadOnly calls, for
// tests and metrics.
func (a *Arena) RMPCalls() int64 { return atomic.LoadInt64(&a.rmpCalls) }

func (a *Arena) isReadOnly(paddrStart mem.PhysAddr, length uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := pageNumber(paddrStart)
	n := length / mem.PageSize4K
	for i := uint64(0); i < n; i++ {
		if a.roPages[start+i] {
			return true
		}
	}
	return false
}

// CreateGuard implements platform.MappingGuardFactory. paddrStart, the
// range size, and paddrEnd must all be aligned to 4096 << alignmentLog2.
func (a *Arena) CreateGuard(paddrStart, paddrEnd mem.PhysAddr, alignmentLog2 uint) (platform.MappingGuard, error) {
	alignment := uint64(mem.PageSize4K) << alignmentLog2
	alignMask := alignment - 1
	size := uint64(paddrEnd - paddrStart)

	if size&alignMask != 0 || uint64(paddrStart)&alignMask != 0 || uint64(paddrEnd)&alignMask != 0 {
		panic("arena: mapping range is not aligned to the requested granularity")
	}
	if uint64(paddrEnd) > a.size {
		return nil, svsmerr.Wrap(svsmerr.Mapping, nil, "physical range [%#x,%#x) exceeds arena size %#x", paddrStart, paddrEnd, a.size)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if a.isReadOnly(paddrStart, size) {
		prot = unix.PROT_READ
	}

	mapped, err := unix.Mmap(a.fd, int64(paddrStart), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, svsmerr.Wrap(svsmerr.Mapping, err, "mmap guest range [%#x,%#x)", paddrStart, paddrEnd)
	}

	info := &guardInfo{mapped: mapped, physStart: paddrStart}
	virt := mem.VirtAddr(uintptr(unsafe.Pointer(&mapped[0])))

	a.mu.Lock()
	a.guards[uintptr(virt)] = info
	a.mu.Unlock()
	atomic.AddInt64(&a.guardsCreated, 1)

	return &Guard{arena: a, virt: virt}, nil
}

func (a *Arena) lookupActive(v mem.VirtAddr) (*guardInfo, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for base, info := range a.guards {
		start := base
		end := base + uintptr(len(info.mapped))
		if uintptr(v) >= start && uintptr(v) < end {
			return info, int(uintptr(v) - start), nil
		}
	}
	return nil, 0, svsmerr.New(svsmerr.GuestRead)
}

func (a *Arena) releaseGuard(v mem.VirtAddr) {
	a.mu.Lock()
	info, ok := a.guards[uintptr(v)]
	if ok {
		delete(a.guards, uintptr(v))
	}
	a.mu.Unlock()
	if ok {
		_ = unix.Munmap(info.mapped)
		atomic.AddInt64(&a.guardsReleased, 1)
	}
}

// ReadByte implements platform.GuestReader by dereferencing the mapped
// window directly. It fails if v does not fall within a currently active
// guard.
func (a *Arena) ReadByte(v mem.VirtAddr) (byte, error) {
	info, offset, err := a.lookupActive(v)
	if err != nil {
		return 0, svsmerr.Wrap(svsmerr.GuestRead, err, "read byte at %#x: not within any active mapping", v)
	}
	return info.mapped[offset], nil
}

// ZeroMemRegion implements platform.ZeroFiller by zeroing the mapped
// bytes in [start, end) directly.
func (a *Arena) ZeroMemRegion(start, end mem.VirtAddr) {
	info, offset, err := a.lookupActive(start)
	if err != nil {
		panic("arena: zero-fill requested outside any active mapping")
	}
	n := int(end - start)
	if offset+n > len(info.mapped) {
		panic("arena: zero-fill range exceeds active mapping")
	}
	region := info.mapped[offset : offset+n]
	for i := range region {
		region[i] = 0
	}
}

// SetReadOnly implements platform.RMP. It downgrades the current mapping
// at v to PROT_READ via mprotect and records the affected physical pages
// as read-only so that any future guard covering them is created
// PROT_READ-only, matching the "never upgrades, idempotent" contract.
func (a *Arena) SetReadOnly(v mem.VirtAddr, size mem.PageSize) error {
	info, offset, err := a.lookupActive(v)
	if err != nil {
		return svsmerr.Wrap(svsmerr.Rmp, err, "rmp set-read-only at %#x: not within any active mapping", v)
	}
	n := int(size.Bytes())
	if offset%mem.PageSize4K != 0 || n%mem.PageSize4K != 0 {
		return svsmerr.Wrap(svsmerr.Rmp, nil, "rmp set-read-only at %#x: unaligned region", v)
	}
	if offset+n > len(info.mapped) {
		return svsmerr.Wrap(svsmerr.Rmp, nil, "rmp set-read-only at %#x: region exceeds mapping", v)
	}

	if err := unix.Mprotect(info.mapped[offset:offset+n], unix.PROT_READ); err != nil {
		return svsmerr.Wrap(svsmerr.Rmp, err, "mprotect read-only at %#x", v)
	}

	physPageStart := pageNumber(info.physStart) + uint64(offset)/mem.PageSize4K
	numPages := uint64(n) / mem.PageSize4K

	a.mu.Lock()
	for i := uint64(0); i < numPages; i++ {
		a.roPages[physPageStart+i] = true
	}
	a.mu.Unlock()
	atomic.AddInt64(&a.rmpCalls, 1)
	return nil
}

// WritablePhysAddr implements platform.WritableOracle. A page is writable
// unless it has been explicitly marked shared via MarkShared.
func (a *Arena) WritablePhysAddr(p mem.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.shared[pageNumber(p)]
}

// MarkShared simulates the guest transitioning paddr to a shared
// (non-SVSM-writable) page between snapshot and restore.
func (a *Arena) MarkShared(paddr mem.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shared[pageNumber(paddr)] = true
}

// MarkPrivate reverses MarkShared, for test setup.
func (a *Arena) MarkPrivate(paddr mem.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.shared, pageNumber(paddr))
}

// Guard is the platform.MappingGuard returned by Arena.CreateGuard.
type Guard struct {
	arena *Arena
	virt  mem.VirtAddr

	mu       sync.Mutex
	released bool
}

// VirtAddr implements platform.MappingGuard.
func (g *Guard) VirtAddr() mem.VirtAddr {
	return g.virt
}

// Release implements platform.MappingGuard. It is safe to call more than
// once; only the first call has an effect.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()
	g.arena.releaseGuard(g.virt)
}
