package storage

import (
	"testing"

	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/svsmerr"
)

func TestFramePoolAllocAndRelease(t *testing.T) {
	p := NewFramePool(2)
	if p.Available() != 2 {
		t.Fatalf("expected 2 available frames, got %d", p.Available())
	}

	f1, err := p.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if len(f1.Bytes()) != mem.PageSize4K {
		t.Fatalf("expected frame of %d bytes, got %d", mem.PageSize4K, len(f1.Bytes()))
	}

	f2, err := p.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if _, err := p.AllocFrame(); !svsmerr.Is(err, svsmerr.OutOfMemory) {
		t.Fatalf("expected OutOfMemory once pool is exhausted, got %v", err)
	}

	f1.Release()
	if p.Available() != 1 {
		t.Fatalf("expected 1 available frame after release, got %d", p.Available())
	}

	f3, err := p.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame after release: %v", err)
	}
	f3.Release()
	f2.Release()
}

func TestFrameDoubleReleasePanics(t *testing.T) {
	p := NewFramePool(1)
	f, err := p.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	f.Release()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected double Release to panic")
		}
	}()
	f.Release()
}

func TestStoreRecordsAndCreatedFlag(t *testing.T) {
	s := NewStore()
	if s.Created() {
		t.Fatalf("fresh store should not be marked created")
	}

	pool := NewFramePool(1)
	frame, err := pool.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	s.AppendNonZero(0x1000, frame)
	s.AppendZero(0x2000)

	nonZero, zero := s.Counts()
	if nonZero != 1 || zero != 1 {
		t.Fatalf("expected counts (1,1), got (%d,%d)", nonZero, zero)
	}

	s.MarkCreated()
	if !s.Created() {
		t.Fatalf("expected store to be marked created")
	}

	nzRecords := s.NonZero()
	if len(nzRecords) != 1 || nzRecords[0].PhysAddr != 0x1000 {
		t.Fatalf("unexpected non-zero records: %+v", nzRecords)
	}

	zRecords := s.Zero()
	if len(zRecords) != 1 || zRecords[0] != 0x2000 {
		t.Fatalf("unexpected zero records: %+v", zRecords)
	}

	// Mutating the returned slices must not affect the store.
	nzRecords[0].PhysAddr = 0xdead
	nzRecords2 := s.NonZero()
	if nzRecords2[0].PhysAddr != 0x1000 {
		t.Fatalf("NonZero() leaked a mutable view into the store's backing array")
	}
}
