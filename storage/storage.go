// Package storage implements the Snapshot Store (C4): a fixed free-list
// storage-frame allocator plus the two parallel, lock-protected record
// sequences (non-zero frame records and zero-page addresses) and the
// one-shot "snapshot exists" flag.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t free-list allocator
// (_phys_new/_phys_insert, the (*Pg_t, Pa_t, bool) fallible-allocation
// shape) and on the original Rust source's BACKUP_PAGES/ZERO_PAGES
// (SpinLock<Vec<_>>, kernel/src/protocols/backup.rs), whose raw-pointer
// MemPage4K this package replaces with an owning handle per the design
// note in spec.md §9.
package storage

import (
	"sync"

	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/platform"
	"github.com/coco-serverless/svsm/svsmerr"
)

// Frame is an owning handle over one 4 KiB storage buffer. It implements
// platform.StorageFrame.
type Frame struct {
	pool *FramePool
	idx  int
	buf  []byte

	mu       sync.Mutex
	released bool
}

// Bytes exposes the frame's backing storage.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Release returns the frame to its owning pool. Calling Release more than
// once panics, mirroring biscuit's panic-on-negative-refcount discipline
// (Physmem_t.Refdown/_refdec).
func (f *Frame) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		panic("storage: frame released twice")
	}
	f.released = true
	f.mu.Unlock()
	f.pool.release(f.idx)
}

// FramePool is a fixed-capacity, free-list-backed allocator of Frames. It
// implements platform.FrameAllocator.
type FramePool struct {
	mu    sync.Mutex
	slabs [][]byte
	free  []int
}

// NewFramePool allocates capacity frames' worth of backing storage and
// returns a pool with all of them free.
func NewFramePool(capacity int) *FramePool {
	p := &FramePool{
		slabs: make([][]byte, capacity),
		free:  make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.slabs[i] = make([]byte, mem.PageSize4K)
		p.free[i] = capacity - 1 - i
	}
	return p
}

// AllocFrame pops one frame off the free list, or returns an OutOfMemory
// error if the pool is exhausted.
func (p *FramePool) AllocFrame() (platform.StorageFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, svsmerr.New(svsmerr.OutOfMemory)
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &Frame{pool: p, idx: idx, buf: p.slabs[idx]}, nil
}

func (p *FramePool) release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, idx)
}

// Available reports the number of frames currently free, for tests and
// metrics.
func (p *FramePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// NonZeroRecord is exactly one record per captured non-zero 4 KiB frame.
// Data exclusively owns its backing frame until snapshot teardown.
type NonZeroRecord struct {
	PhysAddr mem.PhysAddr
	Data     platform.StorageFrame
}

// ZeroRecord names a 4 KiB frame known to be all-zero at capture time.
type ZeroRecord = mem.PhysAddr

// Store holds the two parallel record sequences and the snapshot-exists
// flag, all guarded by a single mutex. Append-only during backup,
// read-only during restore; there is no in-place update of a record.
type Store struct {
	mu      sync.Mutex
	nonZero []NonZeroRecord
	zero    []ZeroRecord
	created bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Created reports whether a snapshot has already been taken.
func (s *Store) Created() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// MarkCreated flips the one-shot "snapshot exists" flag.
func (s *Store) MarkCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
}

// AppendNonZero records a captured non-zero frame, transferring ownership
// of its storage frame to the store.
func (s *Store) AppendNonZero(paddr mem.PhysAddr, data platform.StorageFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonZero = append(s.nonZero, NonZeroRecord{PhysAddr: paddr, Data: data})
}

// AppendZero records a captured all-zero frame's address.
func (s *Store) AppendZero(paddr mem.PhysAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zero = append(s.zero, paddr)
}

// NonZero returns a copy of the current non-zero records, taken under
// lock; mutating the returned slice does not affect the store. The
// records' Data frames are shared with the store, not copied.
func (s *Store) NonZero() []NonZeroRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NonZeroRecord, len(s.nonZero))
	copy(out, s.nonZero)
	return out
}

// Zero returns the current zero-page addresses (see NonZero's copy
// semantics).
func (s *Store) Zero() []ZeroRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ZeroRecord, len(s.zero))
	copy(out, s.zero)
	return out
}

// Counts reports the number of non-zero and zero records, for tests and
// metrics.
func (s *Store) Counts() (nonZero, zero int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonZero), len(s.zero)
}
