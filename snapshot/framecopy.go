// Package snapshot implements the Frame-Copy Engine (C3) and the
// Snapshot Controller (C5): FullBackup, Restore, and EnableCopyOnWrite
// orchestrated over the address-set registry and the snapshot store.
//
// Grounded directly on the original Rust source,
// kernel/src/protocols/backup.rs, which this package is a line-for-line
// translation of the semantics of (backup_4k_page -> Capture4K,
// backup_page -> backupRegularPage/backupHugePage, create_full_backup ->
// FullBackup, restore_pages_from_backup -> Restore, enable_copy_on_write
// -> EnableCopyOnWrite).
package snapshot

import (
	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/platform"
	"github.com/coco-serverless/svsm/storage"
	"github.com/coco-serverless/svsm/svsmerr"
)

// FrameCopyEngine captures single 4 KiB physical frames into the
// snapshot store, classifying each as zero or non-zero.
type FrameCopyEngine struct {
	Guards platform.MappingGuardFactory
	Alloc  platform.FrameAllocator
	Reader platform.GuestReader
	Log    platform.Logger
}

// Capture4K copies the 4 KiB frame at paddr into freshly allocated
// storage, classifies it, and appends the resulting record to store. It
// returns true if the frame was non-zero.
//
// The mapping guard is released on every return path (step 6 of spec
// §4.3), and the byte-at-a-time read is deliberate: the guest-memory
// reader may distinguish faulting addresses, and RMP state may change
// concurrently, so a single atomic 4 KiB copy would not be safe.
func (e *FrameCopyEngine) Capture4K(paddr mem.PhysAddr, store *storage.Store) (bool, error) {
	guard, err := e.Guards.CreateGuard(paddr, paddr.Add(mem.PageSize4K), mem.VirtAlign4K)
	if err != nil {
		return false, svsmerr.Wrap(svsmerr.Mapping, err, "capture %#x", paddr)
	}
	defer guard.Release()

	frame, err := e.Alloc.AllocFrame()
	if err != nil {
		return false, svsmerr.Wrap(svsmerr.OutOfMemory, err, "capture %#x", paddr)
	}

	virt := guard.VirtAddr()
	buf := frame.Bytes()
	nonZero := false
	for i := 0; i < mem.PageSize4K; i++ {
		b, err := e.Reader.ReadByte(virt.Add(uint64(i)))
		if err != nil {
			frame.Release()
			return false, svsmerr.Wrap(svsmerr.GuestRead, err, "capture %#x: byte %d", paddr, i)
		}
		if b != 0 {
			nonZero = true
		}
		buf[i] = b
	}

	if !nonZero {
		frame.Release()
		store.AppendZero(paddr)
		if e.Log != nil {
			e.Log.Infof("backed up zero page %#x", paddr)
		}
		return false, nil
	}

	store.AppendNonZero(paddr, frame)
	if e.Log != nil {
		e.Log.Infof("backed up non-zero page %#x", paddr)
	}
	return true, nil
}
