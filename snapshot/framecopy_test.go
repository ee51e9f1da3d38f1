package snapshot

import (
	"errors"
	"testing"

	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/platform"
	"github.com/coco-serverless/svsm/storage"
	"github.com/coco-serverless/svsm/svsmerr"
)

// fakeGuard and fakeGuardFactory back a guest address space with a plain
// in-process byte slice, keyed by physical address, so tests never touch
// real memory mappings.
type fakeGuard struct {
	virt      mem.VirtAddr
	released  bool
	onRelease func()
}

func (g *fakeGuard) VirtAddr() mem.VirtAddr { return g.virt }
func (g *fakeGuard) Release() {
	if g.released {
		panic("fakeGuard: released twice")
	}
	g.released = true
	if g.onRelease != nil {
		g.onRelease()
	}
}

type fakeGuardFactory struct {
	pages       map[mem.PhysAddr][]byte
	nextVirt    mem.VirtAddr
	created     int
	released    int
	failCreate  bool
	activeByVia map[mem.VirtAddr]mem.PhysAddr
}

func newFakeGuardFactory() *fakeGuardFactory {
	return &fakeGuardFactory{
		pages:       make(map[mem.PhysAddr][]byte),
		nextVirt:    0x4000_0000,
		activeByVia: make(map[mem.VirtAddr]mem.PhysAddr),
	}
}

func (f *fakeGuardFactory) page(paddr mem.PhysAddr) []byte {
	p, ok := f.pages[paddr]
	if !ok {
		p = make([]byte, mem.PageSize4K)
		f.pages[paddr] = p
	}
	return p
}

func (f *fakeGuardFactory) CreateGuard(paddrStart, paddrEnd mem.PhysAddr, alignmentLog2 uint) (platform.MappingGuard, error) {
	if f.failCreate {
		return nil, svsmerr.New(svsmerr.Mapping)
	}
	v := f.nextVirt
	f.nextVirt += mem.VirtAddr(paddrEnd - paddrStart)
	f.activeByVia[v] = paddrStart
	f.created++
	return &fakeGuard{virt: v, onRelease: func() {
		delete(f.activeByVia, v)
		f.released++
	}}, nil
}

type fakeFrame struct {
	buf      []byte
	released bool
}

func (f *fakeFrame) Bytes() []byte { return f.buf }
func (f *fakeFrame) Release() {
	if f.released {
		panic("fakeFrame: released twice")
	}
	f.released = true
}

type fakeAllocator struct {
	fail bool
	last *fakeFrame
}

func (a *fakeAllocator) AllocFrame() (platform.StorageFrame, error) {
	if a.fail {
		return nil, svsmerr.New(svsmerr.OutOfMemory)
	}
	a.last = &fakeFrame{buf: make([]byte, mem.PageSize4K)}
	return a.last, nil
}

// fakeReader reads bytes out of the guard factory's backing pages,
// optionally faulting at a configured byte offset.
type fakeReader struct {
	factory  *fakeGuardFactory
	faultAt  mem.VirtAddr
	hasFault bool
}

func (r *fakeReader) ReadByte(v mem.VirtAddr) (byte, error) {
	if r.hasFault && v == r.faultAt {
		return 0, errors.New("simulated guest read fault")
	}
	for base, paddr := range r.factory.activeByVia {
		page := r.factory.pages[paddr]
		if v >= base && int(v-base) < len(page) {
			return page[v-base], nil
		}
	}
	return 0, errors.New("address not mapped")
}

func TestCapture4KZeroPage(t *testing.T) {
	factory := newFakeGuardFactory()
	store := storage.NewStore()
	engine := &FrameCopyEngine{
		Guards: factory,
		Alloc:  &fakeAllocator{},
		Reader: &fakeReader{factory: factory},
	}

	nonZero, err := engine.Capture4K(0x1000, store)
	if err != nil {
		t.Fatalf("Capture4K: %v", err)
	}
	if nonZero {
		t.Fatalf("expected an all-zero page to be classified as zero")
	}

	nz, z := store.Counts()
	if nz != 0 || z != 1 {
		t.Fatalf("expected (0,1) records, got (%d,%d)", nz, z)
	}
	if factory.created != 1 || factory.released != 1 {
		t.Fatalf("expected exactly one guard created and released, got (%d,%d)", factory.created, factory.released)
	}
}

func TestCapture4KNonZeroPage(t *testing.T) {
	factory := newFakeGuardFactory()
	factory.page(0x2000)[17] = 0x42

	store := storage.NewStore()
	engine := &FrameCopyEngine{
		Guards: factory,
		Alloc:  &fakeAllocator{},
		Reader: &fakeReader{factory: factory},
	}

	nonZero, err := engine.Capture4K(0x2000, store)
	if err != nil {
		t.Fatalf("Capture4K: %v", err)
	}
	if !nonZero {
		t.Fatalf("expected a non-zero page to be classified as non-zero")
	}

	nz, z := store.Counts()
	if nz != 1 || z != 0 {
		t.Fatalf("expected (1,0) records, got (%d,%d)", nz, z)
	}

	records := store.NonZero()
	if records[0].Data.Bytes()[17] != 0x42 {
		t.Fatalf("captured data does not match source page")
	}
	if factory.released != 1 {
		t.Fatalf("expected the guard to be released")
	}
}

func TestCapture4KGuardFailure(t *testing.T) {
	factory := newFakeGuardFactory()
	factory.failCreate = true
	store := storage.NewStore()
	engine := &FrameCopyEngine{
		Guards: factory,
		Alloc:  &fakeAllocator{},
		Reader: &fakeReader{factory: factory},
	}

	_, err := engine.Capture4K(0x1000, store)
	if !svsmerr.Is(err, svsmerr.Mapping) {
		t.Fatalf("expected Mapping error, got %v", err)
	}
}

func TestCapture4KAllocFailureStillReleasesGuard(t *testing.T) {
	factory := newFakeGuardFactory()
	store := storage.NewStore()
	engine := &FrameCopyEngine{
		Guards: factory,
		Alloc:  &fakeAllocator{fail: true},
		Reader: &fakeReader{factory: factory},
	}

	_, err := engine.Capture4K(0x1000, store)
	if !svsmerr.Is(err, svsmerr.OutOfMemory) {
		t.Fatalf("expected OutOfMemory error, got %v", err)
	}
	if factory.released != 1 {
		t.Fatalf("expected guard to be released even on allocator failure")
	}
}

func TestCapture4KReadFaultReleasesGuardAndFrame(t *testing.T) {
	factory := newFakeGuardFactory()
	store := storage.NewStore()
	reader := &fakeReader{factory: factory, hasFault: true, faultAt: 0x4000_0005}
	alloc := &fakeAllocator{}
	engine := &FrameCopyEngine{
		Guards: factory,
		Alloc:  alloc,
		Reader: reader,
	}

	_, err := engine.Capture4K(0x1000, store)
	if !svsmerr.Is(err, svsmerr.GuestRead) {
		t.Fatalf("expected GuestRead error, got %v", err)
	}
	if factory.released != 1 {
		t.Fatalf("expected guard to be released on a read fault")
	}
	if alloc.last == nil || !alloc.last.released {
		t.Fatalf("expected the storage frame to be released on a read fault")
	}
	nz, z := store.Counts()
	if nz != 0 || z != 0 {
		t.Fatalf("expected no record to be appended on a read fault, got (%d,%d)", nz, z)
	}
}
