//go:build !linux

package osvm

import "errors"

// ErrUnsupported is returned by every osvm operation on non-Linux build
// targets; userfaultfd(2) has no portable equivalent, matching the
// teacher's pattern of a stub implementation for the systems mitosis
// cannot run on.
var ErrUnsupported = errors.New("osvm: userfaultfd is linux-only")

type FaultFD struct{}

func ProbeUFFD() bool { return false }

func OpenFaultFD() (*FaultFD, error) { return nil, ErrUnsupported }

func (f *FaultFD) Fd() int { return -1 }

func (f *FaultFD) Close() error { return ErrUnsupported }

func (f *FaultFD) Register(start, length uint64) error { return ErrUnsupported }

type FaultEvent struct {
	Address uint64
}

func (f *FaultFD) ReadEvent() (FaultEvent, bool, error) { return FaultEvent{}, false, ErrUnsupported }

func (f *FaultFD) InstallPage(dst uint64, src []byte) error { return ErrUnsupported }

func MapRegion(start, length uint64, prot int) (uint64, error) { return 0, ErrUnsupported }

func Unmap(start, length uint64) error { return ErrUnsupported }

func MarkAllocatorOwned(start, length uint64) error { return ErrUnsupported }

func Protect(start, length uint64, prot int) error { return ErrUnsupported }
