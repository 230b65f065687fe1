package resume

import (
	"fmt"
	"unsafe"

	"github.com/kestrelfork/mitosis/internal/osvm"
	"golang.org/x/sys/unix"
)

// OSVM adapts internal/osvm's package-level mmap/munmap calls to the VM
// interface, for use outside tests where apply_to must touch the real
// address space.
type OSVM struct{}

// Unmap implements VM.
func (OSVM) Unmap(start, length uint64) error {
	return osvm.Unmap(start, length)
}

// MapRegion implements VM, translating the Prot* bitmask into the
// PROT_* flags unix.Mmap expects.
func (OSVM) MapRegion(start, length uint64, prot int) error {
	native := unix.PROT_NONE
	if prot&ProtRead != 0 {
		native |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		native |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		native |= unix.PROT_EXEC
	}
	_, err := osvm.MapRegion(start, length, native)
	return err
}

// SetAllocatorOwned implements VM via madvise(MADV_DONTFORK).
func (OSVM) SetAllocatorOwned(start, length uint64) error {
	return osvm.MarkAllocatorOwned(start, length)
}

// WritePage implements VM by copying directly into the already-mapped
// virtual address, used only for the eager-resume path.
func (OSVM) WritePage(vaddr uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("resume: empty page write at %#x", vaddr)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(vaddr))), len(data))
	copy(dst, data)
	return nil
}
