package mem

import (
	"testing"
	"unsafe"
)

func TestPageSizeBytesAndAlignment(t *testing.T) {
	if PageRegular.Bytes() != PageSize4K {
		t.Fatalf("PageRegular.Bytes() = %d, want %d", PageRegular.Bytes(), PageSize4K)
	}
	if PageHuge.Bytes() != PageSize2M {
		t.Fatalf("PageHuge.Bytes() = %d, want %d", PageHuge.Bytes(), PageSize2M)
	}
	if PageRegular.AlignmentLog2() != VirtAlign4K {
		t.Fatalf("PageRegular.AlignmentLog2() = %d, want %d", PageRegular.AlignmentLog2(), VirtAlign4K)
	}
	if PageHuge.AlignmentLog2() != VirtAlign2M {
		t.Fatalf("PageHuge.AlignmentLog2() = %d, want %d", PageHuge.AlignmentLog2(), VirtAlign2M)
	}
}

func TestPageSizeStringIsClosed(t *testing.T) {
	if PageRegular.String() != "Regular" || PageHuge.String() != "Huge" {
		t.Fatalf("unexpected PageSize.String() output")
	}
	var invalid PageSize
	if invalid.String() != "PageSize(0)" {
		t.Fatalf("expected zero value to stringify distinctly, got %q", invalid.String())
	}
}

func TestPageSizeBytesPanicsOnInvalidValue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Bytes() to panic on an invalid PageSize")
		}
	}()
	var invalid PageSize
	invalid.Bytes()
}

func TestAddrArithmetic(t *testing.T) {
	p := PhysAddr(0x1000)
	if p.Add(0x10) != 0x1010 {
		t.Fatalf("PhysAddr.Add: got %#x", p.Add(0x10))
	}
	v := VirtAddr(0x2000)
	if v.Add(0x10) != 0x2010 {
		t.Fatalf("VirtAddr.Add: got %#x", v.Add(0x10))
	}
}

func TestRegionLen(t *testing.T) {
	r := Region{Start: 0x1000, End: 0x3000}
	if r.Len() != 0x2000 {
		t.Fatalf("Region.Len() = %#x, want %#x", r.Len(), 0x2000)
	}
}

func TestVirtAddrSliceViewsBackingMemory(t *testing.T) {
	buf := make([]byte, PageSize4K)
	buf[5] = 0x9
	v := VirtAddr(uintptr(unsafe.Pointer(&buf[0])))
	got := v.Slice(PageSize4K)
	if got[5] != 0x9 {
		t.Fatalf("Slice did not alias the original backing array")
	}
	got[6] = 0x1
	if buf[6] != 0x1 {
		t.Fatalf("writes through Slice did not alias the original backing array")
	}
}
