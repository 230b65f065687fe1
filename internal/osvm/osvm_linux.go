//go:build linux

// Package osvm is the external-collaborator boundary spec.md §1 assigns
// to "the VM subsystem of the host OS": unmapping the caller's existing
// address space, installing new VMAs, allocating page frames, and
// inserting PTEs. It is implemented here with real Linux primitives
// (mmap/munmap/madvise and userfaultfd(2)) so the resume engine and fault
// handler above it are exercised against genuine kernel demand-paging
// behavior rather than a second layer of simulation.
package osvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UFFD ioctl numbers for amd64, derived the same way as the teacher's
// uffd_linux.go: _IOWR(0xAA, nr, size).
const (
	_UFFDIO_API      = 0xc018aa3f // struct uffdio_api, 24 bytes
	_UFFDIO_REGISTER = 0xc020aa00 // struct uffdio_register, 32 bytes
	_UFFDIO_COPY     = 0xc028aa03 // struct uffdio_copy, 40 bytes
)

const (
	_UFFD_API                   = 0xAA
	_UFFDIO_REGISTER_MODE_MISSING = 1
)

// uffdMsgSize is sizeof(struct uffd_msg) on amd64.
const uffdMsgSize = 32

// UFFDEventPagefault is the event type byte for UFFD_EVENT_PAGEFAULT.
const UFFDEventPagefault = 0x12

// uffdioAPI matches struct uffdio_api.
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdioRange matches struct uffdio_range.
type uffdioRange struct {
	start uint64
	len   uint64
}

// uffdioRegister matches struct uffdio_register.
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// uffdioCopy matches struct uffdio_copy (40 bytes).
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

var _ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}

// ProbeUFFD checks whether userfaultfd(2) is usable on this system.
// Common failure: vm.unprivileged_userfaultfd=0 and no CAP_SYS_PTRACE —
// matches the teacher's ProbeUffd.
func ProbeUFFD() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// FaultFD is an open userfaultfd handle registered against one or more
// VMAs, used by internal/fault to read pagefault events and install
// completed pages.
type FaultFD struct {
	fd int
}

// OpenFaultFD creates a new userfaultfd and negotiates the API.
func OpenFaultFD() (*FaultFD, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("osvm: userfaultfd: %w", errno)
	}
	api := uffdioAPI{api: _UFFD_API}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(_UFFDIO_API), uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("osvm: UFFDIO_API: %w", errno)
	}
	return &FaultFD{fd: int(fd)}, nil
}

// Fd returns the raw file descriptor, for use with golang.org/x/sys/unix
// poll helpers or os.NewFile when a caller needs select/epoll semantics.
func (f *FaultFD) Fd() int { return f.fd }

// Close closes the userfaultfd.
func (f *FaultFD) Close() error {
	return unix.Close(f.fd)
}

// Register arms [start, start+length) for missing-page notification:
// any access before Install faults into this handle instead of being
// satisfied by the kernel.
func (f *FaultFD) Register(start, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: start, len: length},
		mode: _UFFDIO_REGISTER_MODE_MISSING,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), uintptr(_UFFDIO_REGISTER), uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return fmt.Errorf("osvm: UFFDIO_REGISTER [%#x,+%d): %w", start, length, errno)
	}
	return nil
}

// FaultEvent is a decoded UFFD_EVENT_PAGEFAULT message.
type FaultEvent struct {
	Address uint64
}

// ReadEvent blocks on a raw read(2) of the userfaultfd until one message
// arrives, and decodes it if it is a pagefault. Non-pagefault messages
// (e.g. UFFD_EVENT_REMOVE from a racing unmap) are returned with ok=false.
func (f *FaultFD) ReadEvent() (ev FaultEvent, ok bool, err error) {
	buf := make([]byte, uffdMsgSize)
	n, err := unix.Read(f.fd, buf)
	if err != nil {
		return FaultEvent{}, false, fmt.Errorf("osvm: reading uffd message: %w", err)
	}
	if n != uffdMsgSize {
		return FaultEvent{}, false, fmt.Errorf("osvm: short uffd message (%d bytes)", n)
	}
	if buf[0] != UFFDEventPagefault {
		return FaultEvent{}, false, nil
	}
	addr := binary.LittleEndian.Uint64(buf[16:24])
	return FaultEvent{Address: addr}, true, nil
}

// InstallPage copies the page-sized contents of src (a process-local
// buffer holding the fetched remote page) into dst within the faulting
// address space via UFFDIO_COPY, atomically resolving the fault and
// inserting the PTE in one kernel operation (spec.md §4.8 step 6).
func (f *FaultFD) InstallPage(dst uint64, src []byte) error {
	cp := uffdioCopy{
		dst: dst,
		src: uint64(uintptr(unsafe.Pointer(&src[0]))),
		len: uint64(len(src)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), uintptr(_UFFDIO_COPY), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 {
		return fmt.Errorf("osvm: UFFDIO_COPY dst=%#x: %w", dst, errno)
	}
	return nil
}

// MapRegion installs an anonymous private mapping at [start, start+length)
// with the given protection, matching spec.md §4.7 step 3 ("create a
// corresponding region in the caller's address space"). If start is 0 the
// kernel chooses the address; callers restoring a descriptor always pass
// the VMA's own Start so the mapping lands exactly where the descriptor
// says it must.
func MapRegion(start, length uint64, prot int) (uint64, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if start != 0 {
		flags |= unix.MAP_FIXED
	}
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(start), uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, fmt.Errorf("osvm: mmap [%#x,+%d): %w", start, length, errno)
	}
	return uint64(addr), nil
}

// Unmap removes the mapping at [start, start+length).
func Unmap(start, length uint64) error {
	if err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), length)); err != nil {
		return fmt.Errorf("osvm: munmap [%#x,+%d): %w", start, length, err)
	}
	return nil
}

// MarkAllocatorOwned advises the kernel that [start, start+length) is
// owned by the process's own allocator rather than the OS on its behalf
// (spec.md §3's "allocator-owned" VMA bit), via MADV_DONTFORK: the
// allocator, not a forked/resumed child, is the only entity that should
// ever see this mapping's private copy-on-write pages.
func MarkAllocatorOwned(start, length uint64) error {
	if err := unix.Madvise(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), length), unix.MADV_DONTFORK); err != nil {
		return fmt.Errorf("osvm: madvise(MADV_DONTFORK) [%#x,+%d): %w", start, length, err)
	}
	return nil
}

// Protect changes the protection of an already-mapped region. Nothing in
// this module calls it; resume's eager pre-fault writes pages without
// changing protection.
func Protect(start, length uint64, prot int) error {
	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), length), prot); err != nil {
		return fmt.Errorf("osvm: mprotect [%#x,+%d): %w", start, length, err)
	}
	return nil
}
